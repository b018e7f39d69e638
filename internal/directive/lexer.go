package directive

import (
	"strings"
)

// Lexer tokenizes directive source. The language is line oriented: every
// line starts with a directive word and the remainder of the line is a
// single raw argument, so commands keep their quoting and punctuation.
type Lexer struct {
	input        string
	position     int       // current position in input (points to current char)
	readPosition int       // current reading position in input (after current char)
	ch           byte      // current char under examination
	line         int       // current line number (1-indexed)
	column       int       // current column number (1-indexed)
	startColumn  int       // column at start of current token
	lineStart    bool      // true if the next token opens a new directive line
	directive    TokenType // directive word of the current line
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input:     input,
		line:      1,
		column:    0,
		lineStart: true,
	}
	l.readChar()
	return l
}

// readChar reads the next character and advances the position.
func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
	l.column++
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()
	if l.lineStart {
		l.skipBlankLines()
	}

	l.startColumn = l.column

	switch {
	case l.ch == 0:
		return l.newToken(TokenEOF, "")
	case l.ch == '\n':
		tok := l.newToken(TokenNewline, "\n")
		l.newline()
		l.lineStart = true
		return tok
	case l.lineStart:
		return l.readLineStart()
	default:
		return l.readArgument()
	}
}

// newToken creates a new token with the current line/column.
func (l *Lexer) newToken(tokenType TokenType, literal string) Token {
	return Token{
		Type:    tokenType,
		Literal: literal,
		Line:    l.line,
		Column:  l.startColumn,
	}
}

// newline consumes a '\n' and moves the position to the next line.
func (l *Lexer) newline() {
	l.readChar()
	l.line++
	l.column = 1
}

// skipWhitespace skips spaces and tabs (but not newlines).
func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\r' {
		l.readChar()
	}
}

// skipBlankLines skips empty lines and comment-only lines.
func (l *Lexer) skipBlankLines() {
	for {
		switch l.ch {
		case '#':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		case '\n':
			l.newline()
			l.skipWhitespace()
		default:
			return
		}
	}
}

// readLineStart reads the token that opens a directive line.
func (l *Lexer) readLineStart() Token {
	if l.ch == '}' {
		tok := l.newToken(TokenRBrace, "}")
		l.readChar()
		// A closing brace may be followed by another block opener on the
		// same line: "} ON-SUCCESS {".
		return tok
	}

	if !isLetter(l.ch) {
		l.lineStart = false
		tok := l.newToken(TokenIllegal, "")
		tok.Literal = l.readRest()
		return tok
	}

	position := l.position
	for isIdentChar(l.ch) {
		l.readChar()
	}
	literal := l.input[position:l.position]
	l.lineStart = false
	l.directive = LookupIdent(literal)
	return Token{
		Type:    l.directive,
		Literal: literal,
		Line:    l.line,
		Column:  l.startColumn,
	}
}

// readArgument reads the argument that follows a directive word. Only a
// branch opens a block; elsewhere a leading brace is part of the argument.
func (l *Lexer) readArgument() Token {
	if l.ch == '{' && (l.directive == TokenONFAILURE || l.directive == TokenONSUCCESS) {
		tok := l.newToken(TokenLBrace, "{")
		l.readChar()
		return tok
	}
	if strings.HasPrefix(l.input[l.position:], `"""`) {
		return l.readBlock()
	}
	tok := l.newToken(TokenText, "")
	tok.Literal = l.readRest()
	return tok
}

// readRest reads up to the end of the line, trimming trailing whitespace.
func (l *Lexer) readRest() string {
	position := l.position
	for l.ch != '\n' && l.ch != 0 {
		l.readChar()
	}
	return strings.TrimRight(l.input[position:l.position], " \t\r")
}

// readBlock reads a triple-quoted block that may span lines.
func (l *Lexer) readBlock() Token {
	startLine := l.line
	startColumn := l.startColumn

	l.readChar()
	l.readChar()
	l.readChar()
	position := l.position

	for l.ch != 0 && !strings.HasPrefix(l.input[l.position:], `"""`) {
		if l.ch == '\n' {
			l.newline()
			continue
		}
		l.readChar()
	}

	if l.ch == 0 {
		return Token{
			Type:    TokenIllegal,
			Literal: "unterminated \"\"\" block",
			Line:    startLine,
			Column:  startColumn,
		}
	}

	body := l.input[position:l.position]
	l.readChar()
	l.readChar()
	l.readChar()

	return Token{
		Type:    TokenString,
		Literal: dedent(body),
		Line:    startLine,
		Column:  startColumn,
	}
}

// dedent removes the indentation shared by every non-blank line, plus the
// leading and trailing blank lines of a block.
func dedent(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	indent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	if indent > 0 {
		for i, line := range lines {
			if len(line) >= indent {
				lines[i] = line[indent:]
			} else {
				lines[i] = strings.TrimLeft(line, " \t")
			}
		}
	}
	return strings.Join(lines, "\n")
}

// isLetter returns true if the byte is a letter.
func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// isIdentChar returns true if the byte can be part of a directive word (after first char).
func isIdentChar(ch byte) bool {
	return isLetter(ch) || isDigit(ch) || ch == '_' || ch == '-'
}

// isDigit returns true if the byte is a digit.
func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
