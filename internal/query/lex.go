package query

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString // single-quoted literal, text holds the decoded value
	tokQuoted // double-quoted path, text holds the raw content
	tokVar    // :name, text holds the name
	tokPunct
)

type token struct {
	kind tokKind
	text string
	pos  int // byte offset of the first byte
	end  int // byte offset just past the last byte
}

// lexer is pulled by the parser one token at a time. FROM targets are
// scanned in a dedicated path mode (scanPath) because bare paths like
// zips.json or sub/2020.json do not tokenize as ordinary expressions.
type lexer struct {
	src    string
	pos    int
	peeked *token
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) errf(pos int, format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrInvalidQuery, fmt.Sprintf(format, args...), pos)
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
}

func (l *lexer) peek() (token, error) {
	if l.peeked == nil {
		tok, err := l.scan()
		if err != nil {
			return token{}, err
		}
		l.peeked = &tok
	}
	return *l.peeked, nil
}

func (l *lexer) next() (token, error) {
	if l.peeked != nil {
		tok := *l.peeked
		l.peeked = nil
		return tok, nil
	}
	return l.scan()
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentByte(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func (l *lexer) scan() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos, end: l.pos}, nil
	}
	start := l.pos
	b := l.src[l.pos]

	switch {
	case isIdentStart(b):
		for l.pos < len(l.src) && isIdentByte(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start, end: l.pos}, nil

	case isDigit(b), b == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]):
		l.pos++
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], pos: start, end: l.pos}, nil

	case b == '\'':
		var sb strings.Builder
		l.pos++
		for {
			if l.pos >= len(l.src) {
				return token{}, l.errf(start, "unterminated string")
			}
			c := l.src[l.pos]
			if c == '\'' {
				// doubled quote is an escaped quote
				if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
					sb.WriteByte('\'')
					l.pos += 2
					continue
				}
				l.pos++
				return token{kind: tokString, text: sb.String(), pos: start, end: l.pos}, nil
			}
			sb.WriteByte(c)
			l.pos++
		}

	case b == '"':
		end := strings.IndexByte(l.src[l.pos+1:], '"')
		if end < 0 {
			return token{}, l.errf(start, "unterminated quoted path")
		}
		text := l.src[l.pos+1 : l.pos+1+end]
		l.pos += end + 2
		return token{kind: tokQuoted, text: text, pos: start, end: l.pos}, nil

	case b == ':':
		l.pos++
		vstart := l.pos
		for l.pos < len(l.src) && isIdentByte(l.src[l.pos]) {
			l.pos++
		}
		if l.pos == vstart {
			return token{}, l.errf(start, "expected variable name after ':'")
		}
		return token{kind: tokVar, text: l.src[vstart:l.pos], pos: start, end: l.pos}, nil

	case b == '!', b == '<', b == '>':
		if l.pos+1 < len(l.src) {
			two := l.src[l.pos : l.pos+2]
			if two == "!=" || two == "<=" || two == ">=" || two == "<>" {
				l.pos += 2
				return token{kind: tokPunct, text: two, pos: start, end: l.pos}, nil
			}
		}
		if b == '!' {
			return token{}, l.errf(start, "unexpected '!'")
		}
		l.pos++
		return token{kind: tokPunct, text: string(b), pos: start, end: l.pos}, nil

	case b == '=', b == '(', b == ')', b == ',', b == '*', b == '.':
		l.pos++
		return token{kind: tokPunct, text: string(b), pos: start, end: l.pos}, nil

	default:
		return token{}, l.errf(start, "unexpected character %q", string(b))
	}
}

// scanPath reads a FROM target: either a double-quoted path or a bare
// run of non-space characters. It must be called when the lexer has no
// pending peeked token.
func (l *lexer) scanPath() (token, error) {
	l.skipSpace()
	start := l.pos
	if l.pos >= len(l.src) {
		return token{}, l.errf(start, "expected path after FROM")
	}
	if l.src[l.pos] == '"' {
		return l.scan()
	}
	for l.pos < len(l.src) && !unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	return token{kind: tokQuoted, text: l.src[start:l.pos], pos: start, end: l.pos}, nil
}
