// Package filter implements the RSQL-like expression language used to filter
// resource collections.
//
// The language supports:
//   - Field comparisons: age>=30, role=="admin", score=between=[80,90]
//   - Logical operators: ';' / '&&' / AND, ',' / '||' / OR
//   - Parentheses for grouping: (status=="active";age>=25),(role=="admin")
//   - Tuples for membership: status=in=("open","blocked")
//
// An expression compiles once into two interpretations that agree on truth
// values: a SQL predicate against the underlying table, and an in-memory
// predicate over a plain record. The single documented divergence is SQL's
// null semantics: comparisons against NULL are not true, and the record
// evaluator matches that behaviour explicitly.
package filter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent    // field names, bare values, true/false
	TokenString   // quoted strings
	TokenNumber   // numeric values
	TokenOp       // comparison operators, canonicalised (==, =in=, %=, ...)
	TokenAnd      // ';' or '&&' or AND
	TokenOr       // '||' or OR
	TokenComma    // ',' — OR at expression level, separator inside tuples
	TokenLParen   // (
	TokenRParen   // )
	TokenLBracket // [
	TokenRBracket // ]
)

// String returns the string representation of a TokenType.
func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenIdent:
		return "IDENT"
	case TokenString:
		return "STRING"
	case TokenNumber:
		return "NUMBER"
	case TokenOp:
		return "OP"
	case TokenAnd:
		return "AND"
	case TokenOr:
		return "OR"
	case TokenComma:
		return ","
	case TokenLParen:
		return "("
	case TokenRParen:
		return ")"
	case TokenLBracket:
		return "["
	case TokenRBracket:
		return "]"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// Token represents a single token from the lexer.
type Token struct {
	Type  TokenType
	Value string
	Pos   int // position in input string
}

// Lexer tokenizes a filter expression.
type Lexer struct {
	input string
	pos   int
	width int // width of last rune read
}

// NewLexer creates a new Lexer for the given input string.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

func (l *Lexer) next() rune {
	if l.pos >= len(l.input) {
		l.width = 0
		return 0
	}
	r, w := utf8.DecodeRuneInString(l.input[l.pos:])
	l.width = w
	l.pos += w
	return r
}

func (l *Lexer) peek() rune {
	if l.pos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.pos:])
	return r
}

func (l *Lexer) backup() {
	l.pos -= l.width
}

func (l *Lexer) skipWhitespace() {
	for {
		r := l.next()
		if r == 0 || !unicode.IsSpace(r) {
			l.backup()
			return
		}
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() (Token, error) {
	l.skipWhitespace()

	startPos := l.pos
	r := l.next()

	if r == 0 {
		return Token{Type: TokenEOF, Pos: startPos}, nil
	}

	switch r {
	case '(':
		return Token{Type: TokenLParen, Value: "(", Pos: startPos}, nil
	case ')':
		return Token{Type: TokenRParen, Value: ")", Pos: startPos}, nil
	case '[':
		return Token{Type: TokenLBracket, Value: "[", Pos: startPos}, nil
	case ']':
		return Token{Type: TokenRBracket, Value: "]", Pos: startPos}, nil
	case ',':
		return Token{Type: TokenComma, Value: ",", Pos: startPos}, nil
	case ';':
		return Token{Type: TokenAnd, Value: ";", Pos: startPos}, nil
	case '&':
		if l.peek() == '&' {
			l.next()
			return Token{Type: TokenAnd, Value: "&&", Pos: startPos}, nil
		}
		return Token{}, fmt.Errorf("unexpected character '&' at position %d (did you mean '&&')", startPos)
	case '|':
		if l.peek() == '|' {
			l.next()
			return Token{Type: TokenOr, Value: "||", Pos: startPos}, nil
		}
		return Token{}, fmt.Errorf("unexpected character '|' at position %d (did you mean '||')", startPos)
	case '=':
		return l.readEqualsOp(startPos)
	case '!':
		switch l.peek() {
		case '=':
			l.next()
			return Token{Type: TokenOp, Value: "!=", Pos: startPos}, nil
		case '%':
			l.next()
			if l.peek() != '=' {
				return Token{}, fmt.Errorf("unexpected '!%%' at position %d (did you mean '!%%=')", startPos)
			}
			l.next()
			return Token{Type: TokenOp, Value: "!%=", Pos: startPos}, nil
		}
		return Token{}, fmt.Errorf("unexpected character '!' at position %d", startPos)
	case '%':
		if l.peek() == '=' {
			l.next()
			return Token{Type: TokenOp, Value: "%=", Pos: startPos}, nil
		}
		return Token{}, fmt.Errorf("unexpected character '%%' at position %d (did you mean '%%=')", startPos)
	case '<':
		if l.peek() == '=' {
			l.next()
			return Token{Type: TokenOp, Value: "<=", Pos: startPos}, nil
		}
		return Token{Type: TokenOp, Value: "<", Pos: startPos}, nil
	case '>':
		if l.peek() == '=' {
			l.next()
			return Token{Type: TokenOp, Value: ">=", Pos: startPos}, nil
		}
		return Token{Type: TokenOp, Value: ">", Pos: startPos}, nil
	case '"', '\'':
		return l.readString(r, startPos)
	default:
		if unicode.IsDigit(r) || r == '-' || r == '+' {
			l.backup()
			return l.readNumber(startPos)
		}
		if isIdentStart(r) {
			l.backup()
			return l.readIdent(startPos)
		}
		return Token{}, fmt.Errorf("unexpected character %q at position %d", r, startPos)
	}
}

// readEqualsOp reads '==' or a named operator of the form '=name='.
func (l *Lexer) readEqualsOp(startPos int) (Token, error) {
	if l.peek() == '=' {
		l.next()
		return Token{Type: TokenOp, Value: "==", Pos: startPos}, nil
	}
	var sb strings.Builder
	for {
		r := l.next()
		if r == 0 {
			return Token{}, fmt.Errorf("unterminated operator at position %d", startPos)
		}
		if r == '=' {
			break
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return Token{}, fmt.Errorf("invalid operator character %q at position %d", r, l.pos-1)
		}
		sb.WriteRune(r)
	}
	name := sb.String()
	if name == "" {
		return Token{}, fmt.Errorf("empty operator at position %d", startPos)
	}
	return Token{Type: TokenOp, Value: "=" + strings.ToLower(name) + "=", Pos: startPos}, nil
}

// readString reads a quoted string with \", \' and \\ escapes.
func (l *Lexer) readString(quote rune, startPos int) (Token, error) {
	var sb strings.Builder
	for {
		r := l.next()
		if r == 0 {
			return Token{}, fmt.Errorf("unterminated string starting at position %d", startPos)
		}
		if r == quote {
			return Token{Type: TokenString, Value: sb.String(), Pos: startPos}, nil
		}
		if r == '\\' {
			escaped := l.next()
			switch escaped {
			case '\\', '"', '\'':
				sb.WriteRune(escaped)
			case 0:
				return Token{}, fmt.Errorf("unterminated escape sequence at position %d", l.pos-1)
			default:
				sb.WriteRune('\\')
				sb.WriteRune(escaped)
			}
		} else {
			sb.WriteRune(r)
		}
	}
}

// readNumber reads an optionally-signed integer or decimal number.
func (l *Lexer) readNumber(startPos int) (Token, error) {
	var sb strings.Builder

	r := l.next()
	if r == '-' || r == '+' {
		sb.WriteRune(r)
		r = l.next()
	}
	if !unicode.IsDigit(r) {
		l.backup()
		return Token{}, fmt.Errorf("expected digit at position %d", l.pos)
	}
	sb.WriteRune(r)

	seenDot := false
	for {
		r = l.next()
		if unicode.IsDigit(r) {
			sb.WriteRune(r)
			continue
		}
		if r == '.' && !seenDot && unicode.IsDigit(l.peek()) {
			seenDot = true
			sb.WriteRune(r)
			continue
		}
		break
	}
	if r != 0 {
		l.backup()
	}
	return Token{Type: TokenNumber, Value: sb.String(), Pos: startPos}, nil
}

// readIdent reads an identifier or keyword.
func (l *Lexer) readIdent(startPos int) (Token, error) {
	var sb strings.Builder
	for {
		r := l.next()
		if r == 0 || !isIdentChar(r) {
			l.backup()
			break
		}
		sb.WriteRune(r)
	}

	value := sb.String()
	switch strings.ToUpper(value) {
	case "AND":
		return Token{Type: TokenAnd, Value: value, Pos: startPos}, nil
	case "OR":
		return Token{Type: TokenOr, Value: value, Pos: startPos}, nil
	default:
		return Token{Type: TokenIdent, Value: value, Pos: startPos}, nil
	}
}

// isIdentStart returns true if r can start an identifier.
func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

// isIdentChar returns true if r can be part of an identifier. Dots are
// included so relation paths like author.name lex as a single field.
func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}
