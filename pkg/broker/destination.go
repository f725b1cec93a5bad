package broker

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// 宛先の名前空間。
const (
	// DefaultBrokerPrefix はブローカーが直接配信する宛先の接頭辞。
	DefaultBrokerPrefix = "/topic/"
	// DefaultAppPrefix はアプリケーションハンドラーへ渡す宛先の接頭辞。
	DefaultAppPrefix = "/app/"
)

// IsPattern は宛先がワイルドカードを含むかどうかを返す。
func IsPattern(destination string) bool {
	return strings.ContainsAny(destination, "*?[{")
}

// validDestination は宛先が正規化された絶対パスであるかどうかを検証する。
func validDestination(destination string) error {
	if destination == "" || destination[0] != '/' {
		return fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	if path.Clean(destination) != destination {
		return fmt.Errorf("%w: 正規化されていません: %q", ErrInvalidDestination, destination)
	}
	if IsPattern(destination) && !doublestar.ValidatePattern(destination) {
		return fmt.Errorf("%w: パターンの構文が不正です: %q", ErrInvalidDestination, destination)
	}
	return nil
}

// hasPrefix は宛先がいずれかの接頭辞の配下にあるかどうかを返す。
// 接頭辞そのもの（例: "/topic/"）は配下に含めない。
func hasPrefix(destination string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(destination, p) && len(destination) > len(p) {
			return true
		}
	}
	return false
}

// matchDestination はパターン購読が宛先に一致するかどうかを返す。
func matchDestination(pattern, destination string) bool {
	ok, err := doublestar.Match(pattern, destination)
	return err == nil && ok
}
