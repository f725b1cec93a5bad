package authz

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Requirement はリクエストに求める認証要件を表す。
type Requirement int

const (
	// Authenticated は有効なIdentityを要求する。
	Authenticated Requirement = iota
	// Permit は認証なしで通過させる。
	Permit
)

// String はRequirementの文字列表現を返す。
func (r Requirement) String() string {
	if r == Permit {
		return "permit"
	}
	return "authenticated"
}

// AnyMethod はすべてのHTTPメソッドに一致する。
const AnyMethod = "*"

// Rule は許可リストの1エントリ。
type Rule struct {
	// Method は対象のHTTPメソッド。AnyMethodは全メソッドに一致する。
	Method string
	// Pattern はdoublestar形式のパスパターン。"/x/**" は "/x" 自身にも一致する。
	Pattern string
	// Requirement は一致したリクエストに求める要件。
	Requirement Requirement
}

// matches はルールがリクエストに一致するかどうかを返す。
// pathは正規化済みであること。
func (r Rule) matches(p, method string) bool {
	if r.Method != AnyMethod && !strings.EqualFold(r.Method, method) {
		return false
	}
	if prefix, ok := strings.CutSuffix(r.Pattern, "/**"); ok && p == prefix {
		return true
	}
	ok, err := doublestar.Match(r.Pattern, p)
	return err == nil && ok
}

// Policy は順序付きの規則リスト。起動後は変更しない。
type Policy struct {
	rules []Rule
}

// DefaultPublicPatterns は認証不要なパスの既定値。
var DefaultPublicPatterns = []string{"/auth/**", "/ws/**"}

// NewPolicy は規則リストからPolicyを生成する。パターンの構文を検証する。
func NewPolicy(rules ...Rule) (*Policy, error) {
	copied := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("パターンは/で始まる必要があります: %q", r.Pattern)
		}
		if !doublestar.ValidatePattern(r.Pattern) {
			return nil, fmt.Errorf("パターンの構文が不正です: %q", r.Pattern)
		}
		if r.Method == "" {
			r.Method = AnyMethod
		}
		copied = append(copied, r)
	}
	return &Policy{rules: copied}, nil
}

// DefaultPolicy はOPTIONSと指定パターンを許可し、それ以外を認証必須とするPolicyを生成する。
func DefaultPolicy(publicPatterns ...string) (*Policy, error) {
	if len(publicPatterns) == 0 {
		publicPatterns = DefaultPublicPatterns
	}
	rules := []Rule{
		// プリフライトは認証情報を持たないため常に許可する。
		{Method: http.MethodOptions, Pattern: "/**", Requirement: Permit},
	}
	for _, p := range publicPatterns {
		rules = append(rules, Rule{Method: AnyMethod, Pattern: p, Requirement: Permit})
	}
	rules = append(rules, Rule{Method: AnyMethod, Pattern: "/**", Requirement: Authenticated})
	return NewPolicy(rules...)
}

// Rules は規則リストのコピーを返す。
func (p *Policy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// Evaluate は正規化したパスに最初に一致した規則の要件を返す。
func (p *Policy) Evaluate(requestPath, method string) Requirement {
	normalized := Normalize(requestPath)
	for _, r := range p.rules {
		if r.matches(normalized, method) {
			return r.Requirement
		}
	}
	return Authenticated
}

// IsPublic はリクエストが認証なしで到達できるかどうかを返す。
func (p *Policy) IsPublic(requestPath, method string) bool {
	return p.Evaluate(requestPath, method) == Permit
}

// Normalize はパスを正規形に変換する。
// 連続するスラッシュ、"."、".." を解決し、末尾のスラッシュを取り除く。
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsCanonical はパスが正規形（末尾スラッシュの有無を除く）かどうかを返す。
func IsCanonical(p string) bool {
	if p == "" {
		return false
	}
	trimmed := p
	if len(trimmed) > 1 {
		trimmed = strings.TrimSuffix(trimmed, "/")
	}
	return Normalize(p) == trimmed
}
