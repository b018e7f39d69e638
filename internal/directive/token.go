// Package directive provides lexer, parser, and AST for the workflow directive language.
package directive

import "strings"

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenIllegal
	TokenNewline

	// Header directives
	TokenNAME
	TokenMODEL
	TokenADAPTER
	TokenMAXCYCLES
	TokenSESSIONMODE
	TokenCONTEXTLIMIT
	TokenONCONTEXTLIMIT
	TokenCOMPACTPRESERVE
	TokenCONTEXT
	TokenCONTEXTOPTIONAL
	TokenPROLOGUE
	TokenEPILOGUE
	TokenINTRODUCTION
	TokenPHASE

	// Step directives
	TokenPROMPT
	TokenRUN
	TokenVERIFY
	TokenPAUSE
	TokenCHECKPOINT
	TokenCOMPACT
	TokenNEWCONVERSATION
	TokenELIDE

	// Run and verify modifiers
	TokenRUNONERROR
	TokenRUNOUTPUT
	TokenRUNOUTPUTLIMIT
	TokenRUNTIMEOUT
	TokenRUNSTATE
	TokenALLOWSHELL
	TokenVERIFYONERROR
	TokenVERIFYOUTPUT
	TokenVERIFYLIMIT

	// Control flow
	TokenONFAILURE
	TokenONSUCCESS

	// Literals
	TokenIdent  // unrecognised directive word
	TokenText   // raw argument text up to end of line
	TokenString // """block"""

	// Punctuation
	TokenLBrace // {
	TokenRBrace // }
)

// keywords maps directive names to their token types.
var keywords = map[string]TokenType{
	"NAME":             TokenNAME,
	"MODEL":            TokenMODEL,
	"ADAPTER":          TokenADAPTER,
	"MAX-CYCLES":       TokenMAXCYCLES,
	"SESSION-MODE":     TokenSESSIONMODE,
	"CONTEXT-LIMIT":    TokenCONTEXTLIMIT,
	"ON-CONTEXT-LIMIT": TokenONCONTEXTLIMIT,
	"COMPACT-PRESERVE": TokenCOMPACTPRESERVE,
	"CONTEXT":          TokenCONTEXT,
	"CONTEXT-OPTIONAL": TokenCONTEXTOPTIONAL,
	"PROLOGUE":         TokenPROLOGUE,
	"EPILOGUE":         TokenEPILOGUE,
	"INTRODUCTION":     TokenINTRODUCTION,
	"PHASE":            TokenPHASE,
	"PROMPT":           TokenPROMPT,
	"RUN":              TokenRUN,
	"VERIFY":           TokenVERIFY,
	"PAUSE":            TokenPAUSE,
	"CHECKPOINT":       TokenCHECKPOINT,
	"COMPACT":          TokenCOMPACT,
	"NEW-CONVERSATION": TokenNEWCONVERSATION,
	"ELIDE":            TokenELIDE,
	"RUN-ON-ERROR":     TokenRUNONERROR,
	"RUN-OUTPUT":       TokenRUNOUTPUT,
	"RUN-OUTPUT-LIMIT": TokenRUNOUTPUTLIMIT,
	"RUN-TIMEOUT":      TokenRUNTIMEOUT,
	"RUN-STATE":        TokenRUNSTATE,
	"ALLOW-SHELL":      TokenALLOWSHELL,
	"VERIFY-ON-ERROR":  TokenVERIFYONERROR,
	"VERIFY-OUTPUT":    TokenVERIFYOUTPUT,
	"VERIFY-LIMIT":     TokenVERIFYLIMIT,
	"ON-FAILURE":       TokenONFAILURE,
	"ON-SUCCESS":       TokenONSUCCESS,
}

var tokenNames = func() map[TokenType]string {
	names := make(map[TokenType]string, len(keywords))
	for name, tok := range keywords {
		names[tok] = name
	}
	return names
}()

// String returns the string representation of the token type.
func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenIllegal:
		return "ILLEGAL"
	case TokenNewline:
		return "NEWLINE"
	case TokenIdent:
		return "IDENT"
	case TokenText:
		return "TEXT"
	case TokenString:
		return "STRING"
	case TokenLBrace:
		return "{"
	case TokenRBrace:
		return "}"
	}
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsDirective reports whether the token is a recognised directive keyword.
func (t TokenType) IsDirective() bool {
	_, ok := tokenNames[t]
	return ok
}

// Token represents a single token from the lexer.
type Token struct {
	Type    TokenType
	Literal string
	Line    int
	Column  int
}

// LookupIdent checks if a word is a directive keyword. Directive names are
// case-insensitive.
func LookupIdent(ident string) TokenType {
	if tok, ok := keywords[strings.ToUpper(ident)]; ok {
		return tok
	}
	return TokenIdent
}
