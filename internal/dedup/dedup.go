// Package dedup は同一の外部リクエストを1回のネットワーク往復にまとめます
package dedup

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Response は共有される応答です
// 複数の呼び出し元で共有されるため、Bodyは読み取り専用として扱います
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Group は実行中のリクエストをキーごとにまとめます
type Group struct {
	sf singleflight.Group
}

// New は新しいGroupを作成します
func New() *Group {
	return &Group{}
}

// Key はメソッド・URL・ボディからキーを作成します
func Key(method, url string, body []byte) string {
	var b strings.Builder
	b.Grow(len(method) + len(url) + len(body) + 2)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(url)
	b.WriteByte(' ')
	b.Write(body)
	return b.String()
}

// Do はkeyが同じ実行中の呼び出しがあればその結果を待ち、なければfnを実行します
// sharedは結果が他の呼び出し元と共有されたかを表します
func (g *Group) Do(ctx context.Context, key string, fn func() (Response, error)) (Response, bool, error) {
	ch := g.sf.DoChan(key, func() (interface{}, error) {
		resp, err := fn()
		return resp, err
	})
	select {
	case <-ctx.Done():
		return Response{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Response{}, res.Shared, res.Err
		}
		return res.Val.(Response), res.Shared, nil
	}
}
