package wire

import (
	"fmt"
	"strings"
)

// Language 共享编辑器的语言，固定枚举
type Language string

const (
	JavaScript Language = "javascript"
	Python     Language = "python"
	Cpp        Language = "cpp"
	Java       Language = "java"
)

// DefaultLanguage 房间还没有人选过语言时使用
const DefaultLanguage = JavaScript

var Languages = []Language{JavaScript, Python, Cpp, Java}

func (l Language) Valid() bool {
	switch l {
	case JavaScript, Python, Cpp, Java:
		return true
	}
	return false
}

func ParseLanguage(s string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: language %q", ErrMalformed, s)
	}
	return l, nil
}

// LanguageState 语言寄存器，按 (Clock, By) 后写者胜
type LanguageState struct {
	Language Language `json:"language"`
	By       string   `json:"by"`
	Clock    uint64   `json:"clock"`
}

// Newer s 是否应该覆盖 cur
func (s LanguageState) Newer(cur LanguageState) bool {
	if s.Clock != cur.Clock {
		return s.Clock > cur.Clock
	}
	return s.By > cur.By
}
