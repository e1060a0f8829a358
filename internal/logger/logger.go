// Package logger はzerologのグローバルロガーを初期化します
package logger

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var once sync.Once

// Init はアプリ名とログレベルでグローバルロガーを初期化します
// 2回目以降の呼び出しは無視されます
func Init(appName, logLevel string) {
	InitWithWriter(appName, logLevel, os.Stdout)
}

// InitWithWriter は出力先を指定してグローバルロガーを初期化します
func InitWithWriter(appName, logLevel string, out io.Writer) {
	once.Do(func() {
		zerolog.SetGlobalLevel(ParseLevel(logLevel))
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "02-01-2006 15:04:05.000",
			FormatLevel: func(i interface{}) string {
				return strings.ToUpper(fmt.Sprintf("%-6s", i))
			},
		}).With().Timestamp().Caller().Str("app", appName).Logger()

		// 呼び出し元はファイル名:行番号のみ
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			parts := strings.Split(file, "/")
			return parts[len(parts)-1] + ":" + strconv.Itoa(line)
		}
		log.Info().Str("level", zerolog.GlobalLevel().String()).Msg("logger initialized")
	})
}

// ParseLevel は文字列のログレベルを変換します
// 不明な値はINFOとして扱います
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	case "DISABLED":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
