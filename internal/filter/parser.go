package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Node represents a node in the filter AST.
type Node interface {
	node() // marker method
	String() string
}

// ComparisonNode represents a field comparison leaf (e.g. age>=30).
type ComparisonNode struct {
	Field string
	Op    string // canonical operator token, e.g. "==", "=in=", "%="
	Value Value
}

func (n *ComparisonNode) node() {}
func (n *ComparisonNode) String() string {
	return fmt.Sprintf("%s%s%s", n.Field, n.Op, n.Value.AsString())
}

// AndNode represents a conjunction of two or more children.
type AndNode struct {
	Children []Node
}

func (n *AndNode) node() {}
func (n *AndNode) String() string {
	parts := make([]string, len(n.Children))
	for i, c := range n.Children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, ";") + ")"
}

// OrNode represents a disjunction of two or more children.
type OrNode struct {
	Children []Node
}

func (n *OrNode) node() {}
func (n *OrNode) String() string {
	parts := make([]string, len(n.Children))
	for i, c := range n.Children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Parser parses a filter expression into an AST.
type Parser struct {
	lexer   *Lexer
	current Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	return &Parser{lexer: NewLexer(input)}
}

// Parse parses the expression and returns the root AST node. The empty
// expression is a tautology and parses to a nil root.
func (p *Parser) Parse() (Node, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.current.Type == TokenEOF {
		return nil, nil
	}

	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.current.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d (expected end of expression)", p.current.Value, p.current.Pos)
	}

	return node, nil
}

func (p *Parser) advance() error {
	tok, err := p.lexer.NextToken()
	if err != nil {
		return err
	}
	p.current = tok
	return nil
}

// parseOr parses OR expressions (lowest precedence). Commas act as OR at
// this level; inside tuples they are plain separators.
func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	var children []Node
	for p.current.Type == TokenOr || p.current.Type == TokenComma {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if children == nil {
			children = []Node{left}
		}
		children = append(children, right)
	}

	if children == nil {
		return left, nil
	}
	return &OrNode{Children: children}, nil
}

// parseAnd parses AND expressions.
func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	var children []Node
	for p.current.Type == TokenAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if children == nil {
			children = []Node{left}
		}
		children = append(children, right)
	}

	if children == nil {
		return left, nil
	}
	return &AndNode{Children: children}, nil
}

// parseUnary parses a parenthesised group or a comparison atom.
func (p *Parser) parseUnary() (Node, error) {
	if p.current.Type == TokenLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, fmt.Errorf("expected ')' at position %d, got %s", p.current.Pos, p.current.Type.String())
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return node, nil
	}

	return p.parseComparison()
}

// parseComparison parses a single `field OP value` atom.
func (p *Parser) parseComparison() (Node, error) {
	if p.current.Type != TokenIdent {
		return nil, fmt.Errorf("expected field name at position %d, got %s", p.current.Pos, p.current.Type.String())
	}
	field := p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.current.Type != TokenOp {
		return nil, fmt.Errorf("expected comparison operator at position %d, got %s", p.current.Pos, p.current.Type.String())
	}
	op := p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}

	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	return &ComparisonNode{Field: field, Op: op, Value: value}, nil
}

// parseValue parses a scalar, tuple or range value.
func (p *Parser) parseValue() (Value, error) {
	switch p.current.Type {
	case TokenLParen:
		return p.parseList(TokenRParen, KindTuple)
	case TokenLBracket:
		return p.parseList(TokenRBracket, KindRange)
	default:
		return p.parseScalar()
	}
}

// parseScalar parses a number, quoted string, boolean or bare-word string.
func (p *Parser) parseScalar() (Value, error) {
	var v Value
	switch p.current.Type {
	case TokenNumber:
		n, err := strconv.ParseFloat(p.current.Value, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q at position %d", p.current.Value, p.current.Pos)
		}
		v = NumberValue(n)
	case TokenString:
		v = StringValue(p.current.Value)
	case TokenIdent:
		switch strings.ToLower(p.current.Value) {
		case "true":
			v = BoolValue(true)
		case "false":
			v = BoolValue(false)
		default:
			// Bare words are accepted as unquoted strings.
			v = StringValue(p.current.Value)
		}
	default:
		return Value{}, fmt.Errorf("expected value at position %d, got %s", p.current.Pos, p.current.Type.String())
	}
	if err := p.advance(); err != nil {
		return Value{}, err
	}
	return v, nil
}

// parseList parses a parenthesised tuple or bracketed range of scalars.
func (p *Parser) parseList(closer TokenType, kind Kind) (Value, error) {
	openPos := p.current.Pos
	if err := p.advance(); err != nil {
		return Value{}, err
	}

	var members []Value
	for {
		v, err := p.parseScalar()
		if err != nil {
			return Value{}, err
		}
		members = append(members, v)

		if p.current.Type == TokenComma {
			if err := p.advance(); err != nil {
				return Value{}, err
			}
			continue
		}
		break
	}

	if p.current.Type != closer {
		return Value{}, fmt.Errorf("unterminated list starting at position %d", openPos)
	}
	if err := p.advance(); err != nil {
		return Value{}, err
	}

	return Value{Kind: kind, List: members}, nil
}

// Parse is a convenience function that parses a filter expression.
func Parse(input string) (Node, error) {
	p := NewParser(input)
	return p.Parse()
}
