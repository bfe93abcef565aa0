package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type NodePosition struct {
	Start int
	End   int
}

// AST enables dependency extraction, formula normalization, and volatile
// function detection through tree traversal rather than regex/string
// manipulation.
type ASTNode interface {
	Eval(ctx *EvalContext) (Value, error)
	GetPosition() NodePosition
	ToString() string
}

// axisCoord is one axis of a cell reference. absolute coordinates are
// zero-based; relative ones are offsets from the evaluating cell (R1C1
// bracket syntax).
type axisCoord struct {
	Value    int
	Relative bool
}

func (a axisCoord) resolve(anchor int) int {
	if a.Relative {
		return anchor + a.Value
	}
	return a.Value
}

// toStringR1C1 renders one axis in R1C1 notation given its letter
func (a axisCoord) toStringR1C1(letter string) string {
	if a.Relative {
		if a.Value == 0 {
			return letter
		}
		return fmt.Sprintf("%s[%d]", letter, a.Value)
	}
	return fmt.Sprintf("%s%d", letter, a.Value+1)
}

// Parser parses tokens into an AST
type Parser struct {
	tokens []Token
	pos    int
}

// StringNode represents a string literal
type StringNode struct {
	Value    string
	Position NodePosition
}

func (n *StringNode) Eval(ctx *EvalContext) (Value, error) {
	return n.Value, nil
}

func (n *StringNode) GetPosition() NodePosition {
	return n.Position
}

func (n *StringNode) ToString() string {
	// escape quotes in string
	escaped := strings.ReplaceAll(n.Value, "\"", "\"\"")
	return fmt.Sprintf("\"%s\"", escaped)
}

// NumberNode represents a numeric literal. Value is int64 for literals
// written without a decimal point or exponent, float64 otherwise.
type NumberNode struct {
	Value    Value
	Position NodePosition
}

func (n *NumberNode) Eval(ctx *EvalContext) (Value, error) {
	return n.Value, nil
}

func (n *NumberNode) GetPosition() NodePosition {
	return n.Position
}

func (n *NumberNode) ToString() string {
	return toString(n.Value)
}

// BooleanNode represents a boolean literal
type BooleanNode struct {
	Value    bool
	Position NodePosition
}

func (n *BooleanNode) Eval(ctx *EvalContext) (Value, error) {
	return n.Value, nil
}

func (n *BooleanNode) GetPosition() NodePosition {
	return n.Position
}

func (n *BooleanNode) ToString() string {
	if n.Value {
		return "TRUE"
	}
	return "FALSE"
}

// CellRefNode represents a single-cell reference. evaluates to the scalar
// value of the referenced cell, never an array.
type CellRefNode struct {
	Sheet    string // empty means the evaluating cell's sheet
	Row      axisCoord
	Col      axisCoord
	Position NodePosition
}

func (n *CellRefNode) Eval(ctx *EvalContext) (Value, error) {
	sheet, addr, errVal := resolveCellRef(ctx, n.Sheet, n.Row, n.Col)
	if errVal != nil {
		return errVal, nil
	}
	return ctx.cellValue(sheet, addr), nil
}

func (n *CellRefNode) GetPosition() NodePosition {
	return n.Position
}

func (n *CellRefNode) ToString() string {
	var ref string
	if n.Row.Relative || n.Col.Relative {
		ref = n.Row.toStringR1C1("R") + n.Col.toStringR1C1("C")
	} else {
		ref = CellAddress{Row: n.Row.Value, Col: n.Col.Value}.String()
	}
	return sheetPrefix(n.Sheet) + ref
}

// RangeNode represents a rectangular range reference. always evaluates to
// an *Array, even for a 1x1 range like A1:A1.
type RangeNode struct {
	Sheet    string
	StartRow axisCoord
	StartCol axisCoord
	EndRow   axisCoord
	EndCol   axisCoord
	Position NodePosition
}

func (n *RangeNode) Eval(ctx *EvalContext) (Value, error) {
	sheet, r, errVal := resolveRangeRef(ctx, n)
	if errVal != nil {
		return errVal, nil
	}
	return ctx.rangeValues(sheet, r), nil
}

func (n *RangeNode) GetPosition() NodePosition {
	return n.Position
}

func (n *RangeNode) ToString() string {
	start := CellRefNode{Row: n.StartRow, Col: n.StartCol}
	end := CellRefNode{Row: n.EndRow, Col: n.EndCol}
	return sheetPrefix(n.Sheet) + start.ToString() + ":" + end.ToString()
}

// NameNode represents a bare identifier. the grammar has no named ranges,
// so the name is unresolvable and evaluates to #NAME?. kept as a node so
// compilation succeeds and the error surfaces at evaluation time, matching
// how unknown functions behave.
type NameNode struct {
	Name     string
	Position NodePosition
}

func (n *NameNode) Eval(ctx *EvalContext) (Value, error) {
	return NewErrorValue(ErrorKindName, fmt.Sprintf("unknown name: %s", n.Name)), nil
}

func (n *NameNode) GetPosition() NodePosition {
	return n.Position
}

func (n *NameNode) ToString() string {
	return n.Name
}

// ArrayNode represents an array literal like {1,2;3,4}. rows are
// guaranteed rectangular by the parser.
type ArrayNode struct {
	Elements [][]ASTNode
	Position NodePosition
}

func (n *ArrayNode) Eval(ctx *EvalContext) (Value, error) {
	rows := len(n.Elements)
	cols := len(n.Elements[0])
	values := make([]Value, 0, rows*cols)
	for _, row := range n.Elements {
		for _, elem := range row {
			val, err := elem.Eval(ctx)
			if err != nil {
				return nil, err
			}
			values = append(values, val)
		}
	}
	return NewArray(values, rows, cols), nil
}

func (n *ArrayNode) GetPosition() NodePosition {
	return n.Position
}

func (n *ArrayNode) ToString() string {
	rowStrs := make([]string, len(n.Elements))
	for i, row := range n.Elements {
		elemStrs := make([]string, len(row))
		for j, elem := range row {
			elemStrs[j] = elem.ToString()
		}
		rowStrs[i] = strings.Join(elemStrs, ",")
	}
	return "{" + strings.Join(rowStrs, ";") + "}"
}

// BinaryOpNode represents a binary operation
type BinaryOpNode struct {
	Op       BinaryOp
	Left     ASTNode
	Right    ASTNode
	Position NodePosition
}

func (n *BinaryOpNode) Eval(ctx *EvalContext) (Value, error) {
	leftVal, err := n.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	rightVal, err := n.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}

	// propagate errors
	if errVal := errorIn(leftVal); errVal != nil {
		return errVal, nil
	}
	if errVal := errorIn(rightVal); errVal != nil {
		return errVal, nil
	}

	switch n.Op {
	case BinOpAdd, BinOpSubtract, BinOpMultiply:
		return evalArithmetic(n.Op, leftVal, rightVal), nil

	case BinOpDivide:
		leftNum, rightNum, ok := numericPair(leftVal, rightVal)
		if !ok {
			return NewErrorValue(ErrorKindValue, "division requires numeric values"), nil
		}
		if rightNum == 0 {
			return NewErrorValue(ErrorKindDiv0, "division by zero"), nil
		}
		return leftNum / rightNum, nil

	case BinOpModulo:
		leftNum, rightNum, ok := numericPair(leftVal, rightVal)
		if !ok {
			return NewErrorValue(ErrorKindValue, "modulo requires numeric values"), nil
		}
		if rightNum == 0 {
			return NewErrorValue(ErrorKindDiv0, "modulo by zero"), nil
		}
		// result carries the sign of the divisor
		result := math.Mod(leftNum, rightNum)
		if result != 0 && (result < 0) != (rightNum < 0) {
			result += rightNum
		}
		return result, nil

	case BinOpPower:
		leftNum, rightNum, ok := numericPair(leftVal, rightVal)
		if !ok {
			return NewErrorValue(ErrorKindValue, "power requires numeric values"), nil
		}
		result := math.Pow(leftNum, rightNum)
		if math.IsNaN(result) || math.IsInf(result, 0) {
			return NewErrorValue(ErrorKindNum, "power result out of range"), nil
		}
		return result, nil

	case BinOpConcat:
		if isArrayValue(leftVal) || isArrayValue(rightVal) {
			return NewErrorValue(ErrorKindValue, "cannot concatenate a range"), nil
		}
		return toString(leftVal) + toString(rightVal), nil

	case BinOpEqual, BinOpNotEqual, BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual:
		cmp, incomparable := compareValues(leftVal, rightVal)
		if incomparable {
			return NewErrorValue(ErrorKindValue, "cannot compare these values"), nil
		}
		switch n.Op {
		case BinOpEqual:
			return cmp == 0, nil
		case BinOpNotEqual:
			return cmp != 0, nil
		case BinOpLess:
			return cmp < 0, nil
		case BinOpLessEqual:
			return cmp <= 0, nil
		case BinOpGreater:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}

	default:
		return NewErrorValue(ErrorKindValue, "unknown operator"), nil
	}
}

// evalArithmetic handles + - * with integer preservation: two int64
// operands yield an int64, anything else promotes to float64.
func evalArithmetic(op BinaryOp, leftVal, rightVal Value) Value {
	leftInt, leftIsInt := leftVal.(int64)
	rightInt, rightIsInt := rightVal.(int64)
	if leftIsInt && rightIsInt {
		switch op {
		case BinOpAdd:
			return leftInt + rightInt
		case BinOpSubtract:
			return leftInt - rightInt
		case BinOpMultiply:
			return leftInt * rightInt
		}
	}

	leftNum, rightNum, ok := numericPair(leftVal, rightVal)
	if !ok {
		return NewErrorValue(ErrorKindValue, "arithmetic requires numeric values")
	}
	switch op {
	case BinOpAdd:
		return leftNum + rightNum
	case BinOpSubtract:
		return leftNum - rightNum
	default:
		return leftNum * rightNum
	}
}

// numericPair coerces both operands to float64
func numericPair(left, right Value) (float64, float64, bool) {
	leftNum, leftOk := toNumber(left)
	if !leftOk {
		return 0, 0, false
	}
	rightNum, rightOk := toNumber(right)
	if !rightOk {
		return 0, 0, false
	}
	return leftNum, rightNum, true
}

func isArrayValue(v Value) bool {
	_, ok := v.(*Array)
	return ok
}

func (n *BinaryOpNode) GetPosition() NodePosition {
	return n.Position
}

func (n *BinaryOpNode) ToString() string {
	opStr := ""
	switch n.Op {
	case BinOpAdd:
		opStr = "+"
	case BinOpSubtract:
		opStr = "-"
	case BinOpMultiply:
		opStr = "*"
	case BinOpDivide:
		opStr = "/"
	case BinOpModulo:
		opStr = "%"
	case BinOpPower:
		opStr = "^"
	case BinOpConcat:
		opStr = "&"
	case BinOpEqual:
		opStr = "="
	case BinOpNotEqual:
		opStr = "<>"
	case BinOpLess:
		opStr = "<"
	case BinOpLessEqual:
		opStr = "<="
	case BinOpGreater:
		opStr = ">"
	case BinOpGreaterEqual:
		opStr = ">="
	}
	return fmt.Sprintf("(%s%s%s)", n.Left.ToString(), opStr, n.Right.ToString())
}

// UnaryOpNode represents a unary operation
type UnaryOpNode struct {
	Op       UnaryOp
	Operand  ASTNode
	Position NodePosition
}

func (n *UnaryOpNode) Eval(ctx *EvalContext) (Value, error) {
	val, err := n.Operand.Eval(ctx)
	if err != nil {
		return nil, err
	}
	if errVal := errorIn(val); errVal != nil {
		return errVal, nil
	}

	switch n.Op {
	case UnaryOpPlus:
		// identity for numbers, preserving int
		if i, ok := val.(int64); ok {
			return i, nil
		}
		num, ok := toNumber(val)
		if !ok {
			return NewErrorValue(ErrorKindValue, "unary plus requires a numeric value"), nil
		}
		return num, nil

	case UnaryOpMinus:
		if i, ok := val.(int64); ok {
			return -i, nil
		}
		num, ok := toNumber(val)
		if !ok {
			return NewErrorValue(ErrorKindValue, "negation requires a numeric value"), nil
		}
		return -num, nil

	case UnaryOpPercent:
		num, ok := toNumber(val)
		if !ok {
			return NewErrorValue(ErrorKindValue, "percent requires a numeric value"), nil
		}
		return num / 100.0, nil

	default:
		return NewErrorValue(ErrorKindValue, "unknown unary operator"), nil
	}
}

func (n *UnaryOpNode) GetPosition() NodePosition {
	return n.Position
}

func (n *UnaryOpNode) ToString() string {
	switch n.Op {
	case UnaryOpPlus:
		return "+" + n.Operand.ToString()
	case UnaryOpMinus:
		return "-" + n.Operand.ToString()
	case UnaryOpPercent:
		return fmt.Sprintf("(%s%%)", n.Operand.ToString())
	}
	return n.Operand.ToString()
}

// FunctionCallNode represents a function call. Eval lives in eval.go next
// to the special-form handling (IF, IFERROR, OFFSET).
type FunctionCallNode struct {
	Name     string
	Args     []ASTNode
	Position NodePosition
}

func (n *FunctionCallNode) GetPosition() NodePosition {
	return n.Position
}

func (n *FunctionCallNode) ToString() string {
	args := make([]string, len(n.Args))
	for i, arg := range n.Args {
		args[i] = arg.ToString()
	}
	return fmt.Sprintf("%s(%s)", n.Name, strings.Join(args, ","))
}

// sheetPrefix renders a sheet name as a reference prefix, quoting names
// that need it
func sheetPrefix(sheet string) string {
	if sheet == "" {
		return ""
	}
	for _, ch := range sheet {
		alnum := ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch == '_'
		if !alnum {
			return "'" + sheet + "'!"
		}
	}
	return sheet + "!"
}

// NewParser creates a new parser over a token stream
func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

// Parse parses the tokens into an AST
func (p *Parser) Parse() (ASTNode, *CompileError) {
	if len(p.tokens) == 0 {
		return nil, NewCompileError(UnexpectedToken, 0, "empty formula")
	}

	// skip the optional equals prefix
	if p.tokens[p.pos].Type == TokenEquals {
		p.pos++
	}
	if p.tokens[p.pos].Type == TokenEOF {
		return nil, NewCompileError(UnexpectedToken, p.tokens[p.pos].Pos, "empty formula")
	}

	node, err := p.parseComparison()
	if err != nil {
		return nil, err
	}

	// ensure we've consumed all tokens except EOF
	if p.tokens[p.pos].Type != TokenEOF {
		tok := p.tokens[p.pos]
		return nil, NewCompileError(UnexpectedToken, tok.Pos, "unexpected token after expression: "+tok.Value)
	}

	return node, nil
}

// parseComparison handles comparison operators (lowest precedence)
func (p *Parser) parseComparison() (ASTNode, *CompileError) {
	left, err := p.parseConcatenation()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp {
			break
		}

		var op BinaryOp
		switch tok.Value {
		case "=":
			op = BinOpEqual
		case "<>":
			op = BinOpNotEqual
		case "<":
			op = BinOpLess
		case "<=":
			op = BinOpLessEqual
		case ">":
			op = BinOpGreater
		case ">=":
			op = BinOpGreaterEqual
		default:
			return left, nil
		}

		p.pos++
		right, err := p.parseConcatenation()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

// parseConcatenation handles the string concatenation operator
func (p *Parser) parseConcatenation() (ASTNode, *CompileError) {
	left, err := p.parseAddition()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp || tok.Value != "&" {
			break
		}

		p.pos++
		right, err := p.parseAddition()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       BinOpConcat,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

// parseAddition handles addition and subtraction
func (p *Parser) parseAddition() (ASTNode, *CompileError) {
	left, err := p.parseMultiplication()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp {
			break
		}

		var op BinaryOp
		switch tok.Value {
		case "+":
			op = BinOpAdd
		case "-":
			op = BinOpSubtract
		default:
			return left, nil
		}

		p.pos++
		right, err := p.parseMultiplication()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

// parseMultiplication handles multiplication, division, and modulo
func (p *Parser) parseMultiplication() (ASTNode, *CompileError) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp {
			break
		}

		var op BinaryOp
		switch tok.Value {
		case "*":
			op = BinOpMultiply
		case "/":
			op = BinOpDivide
		case "%":
			op = BinOpModulo
		default:
			return left, nil
		}

		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

// parsePower handles exponentiation
func (p *Parser) parsePower() (ASTNode, *CompileError) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	// right-associative
	if p.pos < len(p.tokens) && p.tokens[p.pos].Type == TokenBinaryOp && p.tokens[p.pos].Value == "^" {
		p.pos++
		right, err := p.parsePower() // recursive for right-associativity
		if err != nil {
			return nil, err
		}

		return &BinaryOpNode{
			Op:       BinOpPower,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}, nil
	}

	return left, nil
}

// parseUnary handles unary prefix operators
func (p *Parser) parseUnary() (ASTNode, *CompileError) {
	if p.pos >= len(p.tokens) {
		return nil, NewCompileError(UnexpectedToken, p.endPos(), "unexpected end of expression")
	}

	tok := p.tokens[p.pos]
	if tok.Type == TokenUnaryPrefixOp {
		var op UnaryOp
		switch tok.Value {
		case "+":
			op = UnaryOpPlus
		case "-":
			op = UnaryOpMinus
		default:
			return p.parsePostfix()
		}

		startPos := tok.Pos
		p.pos++
		operand, err := p.parseUnary() // recurse for chained unary operators
		if err != nil {
			return nil, err
		}

		return &UnaryOpNode{
			Op:       op,
			Operand:  operand,
			Position: NodePosition{Start: startPos, End: operand.GetPosition().End},
		}, nil
	}

	return p.parsePostfix()
}

// parsePostfix handles postfix operators (percent)
func (p *Parser) parsePostfix() (ASTNode, *CompileError) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	// postfix percent chains: 50%% is (50%)%
	for p.pos < len(p.tokens) && p.tokens[p.pos].Type == TokenUnaryPostfixOp && p.tokens[p.pos].Value == "%" {
		endPos := p.tokens[p.pos].Pos + 1
		p.pos++

		node = &UnaryOpNode{
			Op:       UnaryOpPercent,
			Operand:  node,
			Position: NodePosition{Start: node.GetPosition().Start, End: endPos},
		}
	}

	return node, nil
}

// parsePrimary handles primary expressions (literals, references,
// functions, parentheses, array literals)
func (p *Parser) parsePrimary() (ASTNode, *CompileError) {
	if p.pos >= len(p.tokens) {
		return nil, NewCompileError(UnexpectedToken, p.endPos(), "unexpected end of expression")
	}

	tok := p.tokens[p.pos]

	switch tok.Type {
	case TokenNumber:
		p.pos++
		return parseNumberLiteral(tok)

	case TokenString:
		p.pos++
		return &StringNode{
			Value:    tok.Value,
			Position: NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value) + 2}, // +2 for quotes
		}, nil

	case TokenBoolean:
		p.pos++
		return &BooleanNode{
			Value:    tok.Value == "TRUE",
			Position: NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value)},
		}, nil

	case TokenCell:
		p.pos++
		return parseCellRefToken(tok)

	case TokenRange:
		p.pos++
		return parseRangeToken(tok)

	case TokenIdentifier:
		p.pos++
		return &NameNode{
			Name:     tok.Value,
			Position: NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value)},
		}, nil

	case TokenFunction:
		return p.parseFunctionCall()

	case TokenLeftParen:
		p.pos++
		node, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].Type != TokenRightParen {
			return nil, NewCompileError(UnbalancedDelimiter, p.endPos(), "expected closing parenthesis")
		}
		p.pos++
		return node, nil

	case TokenLeftBrace:
		return p.parseArrayLiteral()

	default:
		return nil, NewCompileError(UnexpectedToken, tok.Pos, "unexpected token: "+tok.Value)
	}
}

// parseFunctionCall parses a function call
func (p *Parser) parseFunctionCall() (ASTNode, *CompileError) {
	funcTok := p.tokens[p.pos]
	startPos := funcTok.Pos
	p.pos++

	// the lexer only emits TokenFunction when a paren follows
	if p.pos >= len(p.tokens) || p.tokens[p.pos].Type != TokenLeftParen {
		return nil, NewCompileError(UnexpectedToken, p.endPos(), "expected '(' after function name")
	}
	p.pos++

	args := []ASTNode{}

	// empty argument list
	if p.pos < len(p.tokens) && p.tokens[p.pos].Type == TokenRightParen {
		p.pos++
		return &FunctionCallNode{
			Name:     funcTok.Value,
			Args:     args,
			Position: NodePosition{Start: startPos, End: p.tokens[p.pos-1].Pos + 1},
		}, nil
	}

	for {
		arg, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		if p.pos >= len(p.tokens) || p.tokens[p.pos].Type == TokenEOF {
			return nil, NewCompileError(UnbalancedDelimiter, p.endPos(), "unexpected end in function arguments")
		}

		if p.tokens[p.pos].Type == TokenRightParen {
			p.pos++
			break
		}

		if p.tokens[p.pos].Type != TokenComma {
			return nil, NewCompileError(UnexpectedToken, p.tokens[p.pos].Pos, "expected ',' or ')' in function arguments")
		}
		p.pos++
	}

	return &FunctionCallNode{
		Name:     funcTok.Value,
		Args:     args,
		Position: NodePosition{Start: startPos, End: p.tokens[p.pos-1].Pos + 1},
	}, nil
}

// parseArrayLiteral parses {1,2;3,4} into an ArrayNode. commas separate
// columns, semicolons separate rows, and every row must be the same width.
func (p *Parser) parseArrayLiteral() (ASTNode, *CompileError) {
	startPos := p.tokens[p.pos].Pos
	p.pos++ // consume '{'

	var elements [][]ASTNode
	row := []ASTNode{}

	for {
		elem, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		row = append(row, elem)

		if p.pos >= len(p.tokens) || p.tokens[p.pos].Type == TokenEOF {
			return nil, NewCompileError(UnbalancedDelimiter, p.endPos(), "unexpected end in array literal")
		}

		switch p.tokens[p.pos].Type {
		case TokenComma:
			p.pos++
		case TokenSemicolon:
			elements = append(elements, row)
			row = []ASTNode{}
			p.pos++
		case TokenRightBrace:
			elements = append(elements, row)
			endPos := p.tokens[p.pos].Pos + 1
			p.pos++

			for _, r := range elements {
				if len(r) != len(elements[0]) {
					return nil, NewCompileError(InvalidLiteral, startPos, "array rows must have equal length")
				}
			}
			return &ArrayNode{
				Elements: elements,
				Position: NodePosition{Start: startPos, End: endPos},
			}, nil
		default:
			return nil, NewCompileError(UnexpectedToken, p.tokens[p.pos].Pos, "expected ',', ';' or '}' in array literal")
		}
	}
}

// endPos returns the position just past the last token, for errors at the
// end of input
func (p *Parser) endPos() int {
	if len(p.tokens) == 0 {
		return 0
	}
	last := p.tokens[len(p.tokens)-1]
	return last.Pos + len(last.Value)
}

// parseNumberLiteral converts a number token into a NumberNode. literals
// without a decimal point or exponent stay integers.
func parseNumberLiteral(tok Token) (ASTNode, *CompileError) {
	pos := NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value)}

	if !strings.ContainsAny(tok.Value, ".eE") {
		if i, err := strconv.ParseInt(tok.Value, 10, 64); err == nil {
			return &NumberNode{Value: i, Position: pos}, nil
		}
		// falls through to float for values beyond int64
	}

	val, err := strconv.ParseFloat(tok.Value, 64)
	if err != nil {
		return nil, NewCompileError(InvalidLiteral, tok.Pos, "invalid number: "+tok.Value)
	}
	return &NumberNode{Value: val, Position: pos}, nil
}

// parseCellRefToken converts a cell token into a CellRefNode, handling
// sheet prefixes and both A1 and R1C1 notation
func parseCellRefToken(tok Token) (*CellRefNode, *CompileError) {
	sheet, rest := splitSheetPrefix(tok.Value)
	pos := NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value)}

	if row, col, ok := parseR1C1Ref(rest); ok {
		if sheet != "" {
			// relative references are anchored to the evaluating cell, which
			// cannot live on another sheet
			return nil, NewCompileError(InvalidReference, tok.Pos, "R1C1 references cannot be sheet-qualified")
		}
		return &CellRefNode{Row: row, Col: col, Position: pos}, nil
	}

	addr, err := ParseCellAddress(rest)
	if err != nil {
		return nil, NewCompileError(InvalidReference, tok.Pos, err.Error())
	}
	return &CellRefNode{
		Sheet:    sheet,
		Row:      axisCoord{Value: addr.Row},
		Col:      axisCoord{Value: addr.Col},
		Position: pos,
	}, nil
}

// parseRangeToken converts a range token into a RangeNode
func parseRangeToken(tok Token) (*RangeNode, *CompileError) {
	sheet, rest := splitSheetPrefix(tok.Value)
	pos := NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value)}

	parts := strings.Split(rest, ":")
	if len(parts) != 2 {
		return nil, NewCompileError(InvalidReference, tok.Pos, "invalid range format: "+rest)
	}

	parseCorner := func(part string) (row, col axisCoord, cerr *CompileError) {
		if r, c, ok := parseR1C1Ref(part); ok {
			if sheet != "" {
				return row, col, NewCompileError(InvalidReference, tok.Pos, "R1C1 references cannot be sheet-qualified")
			}
			return r, c, nil
		}
		addr, err := ParseCellAddress(part)
		if err != nil {
			return row, col, NewCompileError(InvalidReference, tok.Pos, err.Error())
		}
		return axisCoord{Value: addr.Row}, axisCoord{Value: addr.Col}, nil
	}

	startRow, startCol, cerr := parseCorner(parts[0])
	if cerr != nil {
		return nil, cerr
	}
	endRow, endCol, cerr := parseCorner(parts[1])
	if cerr != nil {
		return nil, cerr
	}

	return &RangeNode{
		Sheet:    sheet,
		StartRow: startRow,
		StartCol: startCol,
		EndRow:   endRow,
		EndCol:   endCol,
		Position: pos,
	}, nil
}

// parseR1C1Ref parses R1C1 notation like "R1C1", "R[-1]C[2]", or "RC[1]".
// absolute components are converted to zero-based; bracketed and omitted
// components are offsets from the evaluating cell.
func parseR1C1Ref(text string) (row, col axisCoord, ok bool) {
	runes := []rune(text)
	pos := 0
	sawAnchor := false

	axis := func(upper, lower rune) (axisCoord, bool) {
		if pos >= len(runes) || (runes[pos] != upper && runes[pos] != lower) {
			return axisCoord{}, false
		}
		pos++

		if pos < len(runes) && runes[pos] == charLBracket {
			pos++
			sign := 1
			if pos < len(runes) && (runes[pos] == charPlus || runes[pos] == charMinus) {
				if runes[pos] == charMinus {
					sign = -1
				}
				pos++
			}
			start := pos
			for pos < len(runes) && runes[pos] >= '0' && runes[pos] <= '9' {
				pos++
			}
			if pos == start || pos >= len(runes) || runes[pos] != charRBracket {
				return axisCoord{}, false
			}
			n, _ := strconv.Atoi(string(runes[start:pos]))
			pos++
			sawAnchor = true
			return axisCoord{Value: sign * n, Relative: true}, true
		}

		start := pos
		for pos < len(runes) && runes[pos] >= '0' && runes[pos] <= '9' {
			pos++
		}
		if pos == start {
			// omitted component: same row/column as the evaluating cell
			return axisCoord{Relative: true}, true
		}
		n, err := strconv.Atoi(string(runes[start:pos]))
		if err != nil || n < 1 {
			return axisCoord{}, false
		}
		sawAnchor = true
		return axisCoord{Value: n - 1}, true
	}

	row, ok = axis('R', 'r')
	if !ok {
		return row, col, false
	}
	col, ok = axis('C', 'c')
	if !ok {
		return row, col, false
	}
	if pos != len(runes) || !sawAnchor {
		return row, col, false
	}
	return row, col, true
}
