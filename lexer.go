package formula

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenEquals
	TokenNumber
	TokenString
	TokenBoolean
	TokenCell
	TokenRange
	TokenFunction
	TokenUnaryPrefixOp
	TokenUnaryPostfixOp
	TokenBinaryOp
	TokenComma
	TokenSemicolon
	TokenColon
	TokenLeftParen
	TokenRightParen
	TokenLeftBrace
	TokenRightBrace
	TokenIdentifier
	TokenWhitespace
	TokenError
)

// BinaryOp represents binary operators in AST nodes
type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpModulo
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
)

// UnaryOp represents unary operators in AST nodes
type UnaryOp int

const (
	UnaryOpPlus UnaryOp = iota
	UnaryOpMinus
	UnaryOpPercent
)

// character classification constants. slightly easier to read.
const (
	charNull       = 0
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charApostrophe = '\''
	charPercent    = '%'
	charAmpersand  = '&'
	charLParen     = '('
	charRParen     = ')'
	charLBrace     = '{'
	charRBrace     = '}'
	charLBracket   = '['
	charRBracket   = ']'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charSemicolon  = ';'
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charColon      = ':'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charCaret      = '^'
	charUnderscore = '_'
	charExclaim    = '!'
)

// TokenState represents the lexer state for validation
type TokenState int

const (
	StateStart TokenState = iota
	StateAfterEquals
	StateAfterValue
	StateAfterOperator
	StateAfterLeftParen
	StateAfterRightParen
	StateAfterLeftBrace
	StateAfterComma
	StateAfterSemicolon
	StateAfterColon
	StateAfterIdentifier
)

// valueStart is the set of token types that may begin an operand
var valueStart = map[TokenType]bool{
	TokenNumber:        true,
	TokenString:        true,
	TokenBoolean:       true,
	TokenCell:          true,
	TokenRange:         true,
	TokenFunction:      true,
	TokenIdentifier:    true,
	TokenLeftParen:     true,
	TokenLeftBrace:     true,
	TokenUnaryPrefixOp: true,
}

// afterValue is the set of token types that may follow a completed operand
var afterValue = map[TokenType]bool{
	TokenBinaryOp:       true,
	TokenUnaryPostfixOp: true, // for %
	TokenRightParen:     true,
	TokenRightBrace:     true, // closing an array literal
	TokenComma:          true, // function args or array columns
	TokenSemicolon:      true, // array rows
	TokenEOF:            true,
	// whitespace is significant - no consecutive values
}

// tokenTransitions maps the current state to valid next token types
var tokenTransitions = map[TokenState]map[TokenType]bool{
	StateStart:          valueStart,
	StateAfterEquals:    valueStart,
	StateAfterValue:     afterValue,
	StateAfterOperator:  valueStart,
	StateAfterLeftParen: allowing(valueStart, TokenRightParen), // empty parens for arg-less functions like PI()
	StateAfterRightParen: {
		TokenBinaryOp:       true,
		TokenUnaryPostfixOp: true, // for %
		TokenRightParen:     true, // if nested
		TokenRightBrace:     true,
		TokenComma:          true, // if in function
		TokenSemicolon:      true,
		TokenEOF:            true,
	},
	StateAfterLeftBrace: valueStart,
	StateAfterComma:     valueStart,
	StateAfterSemicolon: valueStart,
	StateAfterColon: { // only after cell, expecting another cell
		TokenCell: true,
		// nothing else is valid
	},
	StateAfterIdentifier: {
		TokenLeftParen:      true, // function call
		TokenBinaryOp:       true, // named value used directly
		TokenUnaryPostfixOp: true, // for %
		TokenRightParen:     true, // if in parens
		TokenRightBrace:     true,
		TokenComma:          true, // if in function args
		TokenSemicolon:      true,
		TokenEOF:            true,
	},
}

// allowing copies a transition set with one extra permitted token type
func allowing(base map[TokenType]bool, extra TokenType) map[TokenType]bool {
	out := make(map[TokenType]bool, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[extra] = true
	return out
}

// Token represents a lexical token with position information
type Token struct {
	Type  TokenType
	Value string
	Pos   int // rune position in input
}

// Lexer tokenizes spreadsheet formula expressions
type Lexer struct {
	input      string
	runes      []rune // UTF-8 aware representation
	pos        int
	state      TokenState
	parenDepth int
	braceDepth int
	tokens     []Token
}

// NewLexer creates a new lexer for the given formula input
func NewLexer(input string) *Lexer {
	return &Lexer{
		input:  input,
		runes:  []rune(input), // runes for UTF-8 support. could do without but a real pain
		state:  StateStart,
		tokens: []Token{},
	}
}

// Tokenize tokenizes the entire input. a leading '=' is consumed as the
// formula prefix when present; bare expression text ("A1+1") is accepted
// without it.
func (l *Lexer) Tokenize() ([]Token, *CompileError) {
	if len(l.runes) > 0 && l.runes[0] == charEqual {
		l.tokens = append(l.tokens, Token{Type: TokenEquals, Value: "=", Pos: 0})
		l.state = StateAfterEquals
		l.pos = 1
	}

	for l.pos < len(l.runes) {
		tok, err := l.nextToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenWhitespace {
			continue
		}
		if tok.Type == TokenEOF {
			break
		}
		if !l.validTransition(tok.Type) {
			return nil, NewCompileError(UnexpectedToken, tok.Pos, "unexpected token: "+tok.Value)
		}
		l.tokens = append(l.tokens, tok)
		l.updateState(tok.Type)
	}

	if l.parenDepth > 0 {
		return nil, NewCompileError(UnbalancedDelimiter, l.pos, "missing closing parenthesis")
	}
	if l.braceDepth > 0 {
		return nil, NewCompileError(UnbalancedDelimiter, l.pos, "missing closing brace")
	}

	l.tokens = append(l.tokens, Token{Type: TokenEOF, Pos: l.pos})
	return l.tokens, nil
}

// validTransition checks if the token type is valid in the current state
func (l *Lexer) validTransition(tokenType TokenType) bool {
	validTokens, exists := tokenTransitions[l.state]
	if !exists {
		return false
	}
	return validTokens[tokenType]
}

// updateState updates the lexer state based on the token type
func (l *Lexer) updateState(tokenType TokenType) {
	switch tokenType {
	case TokenNumber, TokenString, TokenBoolean, TokenCell, TokenRange:
		l.state = StateAfterValue
	case TokenUnaryPrefixOp, TokenBinaryOp:
		l.state = StateAfterOperator
	case TokenUnaryPostfixOp:
		// postfix operators don't change state
	case TokenLeftParen:
		l.state = StateAfterLeftParen
	case TokenRightParen:
		l.state = StateAfterRightParen
	case TokenLeftBrace:
		l.state = StateAfterLeftBrace
	case TokenRightBrace:
		l.state = StateAfterRightParen
	case TokenComma:
		l.state = StateAfterComma
	case TokenSemicolon:
		l.state = StateAfterSemicolon
	case TokenColon:
		l.state = StateAfterColon
	case TokenIdentifier, TokenFunction:
		l.state = StateAfterIdentifier
	}
}

// nextToken returns the next token from the input
func (l *Lexer) nextToken() (Token, *CompileError) {
	l.skipWhitespace()

	if l.pos >= len(l.runes) {
		return Token{Type: TokenEOF, Pos: l.pos}, nil
	}

	startPos := l.pos
	ch := l.current()

	if ch == charQuote {
		return l.scanString()
	}

	// single-quoted sheet references: 'My Sheet'!A1
	if ch == charApostrophe {
		return l.scanQuotedSheetRef()
	}

	if l.isDigit(ch) || (ch == charPeriod && l.isDigit(l.peek(1))) {
		return l.scanNumber(), nil
	}

	switch ch {
	case charLParen:
		l.pos++
		l.parenDepth++
		return Token{Type: TokenLeftParen, Value: "(", Pos: startPos}, nil
	case charRParen:
		l.pos++
		l.parenDepth--
		if l.parenDepth < 0 {
			return Token{}, NewCompileError(UnbalancedDelimiter, startPos, "unexpected closing parenthesis")
		}
		return Token{Type: TokenRightParen, Value: ")", Pos: startPos}, nil
	case charLBrace:
		l.pos++
		l.braceDepth++
		return Token{Type: TokenLeftBrace, Value: "{", Pos: startPos}, nil
	case charRBrace:
		l.pos++
		l.braceDepth--
		if l.braceDepth < 0 {
			return Token{}, NewCompileError(UnbalancedDelimiter, startPos, "unexpected closing brace")
		}
		return Token{Type: TokenRightBrace, Value: "}", Pos: startPos}, nil
	case charComma:
		l.pos++
		return Token{Type: TokenComma, Value: ",", Pos: startPos}, nil
	case charSemicolon:
		l.pos++
		return Token{Type: TokenSemicolon, Value: ";", Pos: startPos}, nil
	case charColon:
		l.pos++
		return Token{Type: TokenColon, Value: ":", Pos: startPos}, nil
	case charPlus, charMinus:
		l.pos++
		if l.isUnaryContext() {
			return Token{Type: TokenUnaryPrefixOp, Value: string(ch), Pos: startPos}, nil
		}
		return Token{Type: TokenBinaryOp, Value: string(ch), Pos: startPos}, nil
	case charPercent:
		// postfix percent when nothing follows it, modulo when an operand does
		l.pos++
		switch l.state {
		case StateAfterValue, StateAfterRightParen, StateAfterIdentifier:
			if l.isValueStart(l.peekNonSpace()) {
				return Token{Type: TokenBinaryOp, Value: "%", Pos: startPos}, nil
			}
			return Token{Type: TokenUnaryPostfixOp, Value: "%", Pos: startPos}, nil
		}
		return Token{}, NewCompileError(UnexpectedToken, startPos, "unexpected '%'")
	case charAsterisk, charSlash, charCaret, charAmpersand:
		l.pos++
		return Token{Type: TokenBinaryOp, Value: string(ch), Pos: startPos}, nil
	case charEqual:
		l.pos++
		return Token{Type: TokenBinaryOp, Value: "=", Pos: startPos}, nil
	case charLess:
		l.pos++
		if l.current() == charEqual {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: "<=", Pos: startPos}, nil
		}
		if l.current() == charGreater {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: "<>", Pos: startPos}, nil
		}
		return Token{Type: TokenBinaryOp, Value: "<", Pos: startPos}, nil
	case charGreater:
		l.pos++
		if l.current() == charEqual {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: ">=", Pos: startPos}, nil
		}
		return Token{Type: TokenBinaryOp, Value: ">", Pos: startPos}, nil
	}

	if l.isAlpha(ch) || ch == charUnderscore {
		return l.scanWord()
	}

	return Token{}, NewCompileError(UnexpectedToken, startPos, "unexpected character: "+string(ch))
}

// helper methods for character navigation and classification

// substring returns a substring of the original input based on rune positions
func (l *Lexer) substring(start, end int) string {
	if start < 0 || end > len(l.runes) || start > end {
		return ""
	}
	return string(l.runes[start:end])
}

func (l *Lexer) current() rune {
	if l.pos >= len(l.runes) {
		return charNull
	}
	return l.runes[l.pos]
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos >= len(l.runes) || pos < 0 {
		return charNull
	}
	return l.runes[pos]
}

// peekNonSpace returns the next non-whitespace rune without advancing
func (l *Lexer) peekNonSpace() rune {
	for i := l.pos; i < len(l.runes); i++ {
		ch := l.runes[i]
		if ch != charSpace && ch != charTab && ch != charNewline && ch != charReturn {
			return ch
		}
	}
	return charNull
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charSpace || ch == charTab || ch == charNewline || ch == charReturn {
			l.pos++
		} else {
			break
		}
	}
}

func (l *Lexer) isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func (l *Lexer) isAlpha(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func (l *Lexer) isAlphaNumeric(ch rune) bool {
	return l.isAlpha(ch) || l.isDigit(ch)
}

// isValueStart reports whether ch can begin an operand
func (l *Lexer) isValueStart(ch rune) bool {
	return l.isAlphaNumeric(ch) || ch == charQuote || ch == charPeriod ||
		ch == charLParen || ch == charLBrace || ch == charUnderscore ||
		ch == charApostrophe
}

// isUnaryContext checks if the current state allows for unary prefix operators
func (l *Lexer) isUnaryContext() bool {
	switch l.state {
	case StateStart, StateAfterEquals, StateAfterOperator, StateAfterLeftParen,
		StateAfterLeftBrace, StateAfterComma, StateAfterSemicolon:
		return true
	default:
		return false
	}
}

// scanNumber scans a number token including decimals and scientific notation
func (l *Lexer) scanNumber() Token {
	startPos := l.pos

	// scan integer part
	for l.pos < len(l.runes) && l.isDigit(l.current()) {
		l.pos++
	}

	// check for decimal part
	if l.current() == charPeriod && l.isDigit(l.peek(1)) {
		l.pos++ // consume '.'
		for l.pos < len(l.runes) && l.isDigit(l.current()) {
			l.pos++
		}
	}

	// check for scientific notation (e or E)
	if l.current() == 'e' || l.current() == 'E' {
		savedPos := l.pos
		l.pos++ // consume 'e' or 'E'

		// optional + or - sign
		if l.current() == charPlus || l.current() == charMinus {
			l.pos++
		}

		// must have at least one digit after e/E
		if !l.isDigit(l.current()) {
			// not scientific notation, restore position
			l.pos = savedPos
		} else {
			for l.pos < len(l.runes) && l.isDigit(l.current()) {
				l.pos++
			}
		}
	}

	return Token{Type: TokenNumber, Value: l.substring(startPos, l.pos), Pos: startPos}
}

// scanString scans a string literal with support for double-quote escapes
func (l *Lexer) scanString() (Token, *CompileError) {
	startPos := l.pos
	l.pos++ // consume opening quote

	var result []rune
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charQuote {
			// check if it's an escape sequence (double quote)
			if l.peek(1) == charQuote {
				result = append(result, charQuote)
				l.pos += 2 // consume both quotes
			} else {
				l.pos++ // consume closing quote
				return Token{Type: TokenString, Value: string(result), Pos: startPos}, nil
			}
		} else {
			result = append(result, ch)
			l.pos++
		}
	}

	return Token{}, NewCompileError(UnbalancedDelimiter, startPos, "unclosed string literal")
}

// scanWord scans identifiers, functions, cells, ranges, booleans, and R1C1
// references
func (l *Lexer) scanWord() (Token, *CompileError) {
	startPos := l.pos

	// first, collect the identifier part
	for l.pos < len(l.runes) && (l.isAlphaNumeric(l.current()) || l.current() == charUnderscore) {
		l.pos++
	}

	value := l.substring(startPos, l.pos)
	upperValue := toUpperASCII(value)

	// check for boolean literals
	if upperValue == "TRUE" || upperValue == "FALSE" {
		return Token{Type: TokenBoolean, Value: upperValue, Pos: startPos}, nil
	}

	// check if it's a sheet reference (identifier followed by !)
	if l.current() == charExclaim {
		return l.scanSheetRefWithName(startPos)
	}

	// R1C1 reference: plain (R1C1) or with bracketed offsets (R[-1]C[-1])
	if tok, ok := l.tryR1C1(startPos); ok {
		return tok, nil
	}

	// check if it's an A1 cell reference
	if isA1Cell(value) {
		// check for range (A1:B2)
		if l.current() == charColon {
			savedPos := l.pos
			l.pos++ // consume ':'

			// try to scan another cell
			cellStart := l.pos
			for l.pos < len(l.runes) && l.isAlphaNumeric(l.current()) {
				l.pos++
			}

			if isA1Cell(l.substring(cellStart, l.pos)) {
				return Token{Type: TokenRange, Value: l.substring(startPos, l.pos), Pos: startPos}, nil
			}
			// not a valid range, restore position and return just the cell
			l.pos = savedPos
		}
		return Token{Type: TokenCell, Value: value, Pos: startPos}, nil
	}

	// check if it's a function (followed by open paren)
	if l.current() == charLParen {
		return Token{Type: TokenFunction, Value: upperValue, Pos: startPos}, nil
	}

	// it's an identifier (possibly a named range)
	return Token{Type: TokenIdentifier, Value: value, Pos: startPos}, nil
}

// tryR1C1 attempts to re-scan the word starting at startPos as an R1C1
// reference or range. restores the position and reports ok=false when the
// text is not R1C1 syntax.
func (l *Lexer) tryR1C1(startPos int) (Token, bool) {
	savedPos := l.pos
	l.pos = startPos

	end, ok := l.scanR1C1Part()
	if !ok {
		l.pos = savedPos
		return Token{}, false
	}
	l.pos = end

	// check for range (R1C1:R2C2)
	if l.current() == charColon {
		colonPos := l.pos
		l.pos++ // consume ':'
		if end2, ok2 := l.scanR1C1Part(); ok2 {
			l.pos = end2
			return Token{Type: TokenRange, Value: l.substring(startPos, end2), Pos: startPos}, true
		}
		l.pos = colonPos
	}

	return Token{Type: TokenCell, Value: l.substring(startPos, end), Pos: startPos}, true
}

// scanR1C1Part consumes one R1C1 cell reference and returns its end position.
// each axis is absolute digits (R3), a bracketed offset (R[-2]), or empty
// (R, the anchor row). bare "RC" with neither digits nor brackets is rejected
// so it can still serve as an identifier.
func (l *Lexer) scanR1C1Part() (int, bool) {
	sawAnchor := false

	axis := func(upper, lower rune) bool {
		ch := l.current()
		if ch != upper && ch != lower {
			return false
		}
		l.pos++
		if l.current() == charLBracket {
			l.pos++ // consume '['
			if l.current() == charPlus || l.current() == charMinus {
				l.pos++
			}
			if !l.isDigit(l.current()) {
				return false
			}
			for l.isDigit(l.current()) {
				l.pos++
			}
			if l.current() != charRBracket {
				return false
			}
			l.pos++ // consume ']'
			sawAnchor = true
			return true
		}
		for l.isDigit(l.current()) {
			l.pos++
			sawAnchor = true
		}
		return true
	}

	if !axis('R', 'r') {
		return 0, false
	}
	if !axis('C', 'c') {
		return 0, false
	}
	if !sawAnchor {
		return 0, false
	}
	// must not run into more word characters
	if l.isAlphaNumeric(l.current()) || l.current() == charUnderscore {
		return 0, false
	}
	return l.pos, true
}

// scanQuotedSheetRef scans a sheet reference starting with a single quote
func (l *Lexer) scanQuotedSheetRef() (Token, *CompileError) {
	startPos := l.pos
	l.pos++ // consume opening single quote

	// scan until we find the closing single quote
	for l.pos < len(l.runes) && l.current() != charApostrophe {
		l.pos++
	}
	if l.pos >= len(l.runes) {
		return Token{}, NewCompileError(UnbalancedDelimiter, startPos, "unclosed sheet name")
	}
	l.pos++ // consume closing single quote

	if l.current() != charExclaim {
		return Token{}, NewCompileError(InvalidReference, startPos, "sheet name must be followed by '!'")
	}
	return l.scanSheetRefWithName(startPos)
}

// scanSheetRefWithName scans the cell or range part of a sheet-qualified
// reference. the position sits on the '!'.
func (l *Lexer) scanSheetRefWithName(startPos int) (Token, *CompileError) {
	l.pos++ // consume !

	cellStart := l.pos
	for l.pos < len(l.runes) && l.isAlphaNumeric(l.current()) {
		l.pos++
	}

	if !isA1Cell(l.substring(cellStart, l.pos)) {
		return Token{}, NewCompileError(InvalidReference, startPos, "invalid cell reference after sheet name")
	}

	// check for range
	if l.current() == charColon {
		l.pos++ // consume ':'
		rangeStart := l.pos
		for l.pos < len(l.runes) && l.isAlphaNumeric(l.current()) {
			l.pos++
		}
		if !isA1Cell(l.substring(rangeStart, l.pos)) {
			return Token{}, NewCompileError(InvalidReference, startPos, "invalid range reference")
		}
		return Token{Type: TokenRange, Value: l.substring(startPos, l.pos), Pos: startPos}, nil
	}

	return Token{Type: TokenCell, Value: l.substring(startPos, l.pos), Pos: startPos}, nil
}

// isA1Cell checks if a string is a valid A1 cell reference (e.g., A1, BC12)
func isA1Cell(s string) bool {
	if len(s) < 2 {
		return false
	}

	// find where letters end and numbers begin
	letterEnd := 0
	for i, ch := range s {
		if ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z' {
			letterEnd = i + 1
		} else {
			break
		}
	}

	// must have at least one letter and one digit
	if letterEnd == 0 || letterEnd == len(s) {
		return false
	}

	// check remaining characters are all digits
	for i := letterEnd; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// toUpperASCII uppercases a-z without touching other runes
func toUpperASCII(s string) string {
	result := make([]rune, 0, len(s))
	for _, ch := range s {
		if ch >= 'a' && ch <= 'z' {
			ch -= 32
		}
		result = append(result, ch)
	}
	return string(result)
}
