package directive

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseError reports malformed directive source.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Options configure the parser.
type Options struct {
	Unknown UnknownPolicy
}

// Parser parses directive tokens into a Workflow.
type Parser struct {
	l         *Lexer
	curToken  Token
	peekToken Token
	opts      Options

	wf     *Workflow
	inBody bool // a PHASE or step has been seen; modifiers are now local
}

// seq is a step sequence under construction (a phase body or a branch block)
// together with the modifiers waiting for the next RUN or VERIFY.
type seq struct {
	steps  []Step
	run    runOverrides
	verify verifyOverrides
	nested bool
}

type pending struct {
	name string
	line int
}

func (p *pending) mark(name string, line int) {
	if p.name == "" {
		p.name, p.line = name, line
	}
}

type runOverrides struct {
	pending
	onError    *ErrorPolicy
	output     *OutputMode
	limit      *int64
	timeout    *time.Duration
	allowShell *bool
	stateKey   string
}

type verifyOverrides struct {
	pending
	onError *ErrorPolicy
	output  *OutputMode
	limit   *int64
}

// NewParser creates a new parser for the given lexer.
func NewParser(l *Lexer) *Parser {
	return NewParserWithOptions(l, Options{})
}

// NewParserWithOptions creates a parser with an explicit unknown-directive policy.
func NewParserWithOptions(l *Lexer, opts Options) *Parser {
	p := &Parser{l: l, opts: opts}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
}

func (p *Parser) errorf(line int, format string, args ...interface{}) error {
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// Parse parses the input and returns the workflow.
func (p *Parser) Parse() (*Workflow, error) {
	p.wf = &Workflow{Defaults: NewDefaults()}

	var phase *Phase
	body := &seq{}

	closePhase := func() error {
		if phase == nil {
			return nil
		}
		if err := p.closeSeq(body); err != nil {
			return err
		}
		phase.Steps = body.steps
		return nil
	}

	for p.curToken.Type != TokenEOF {
		switch p.curToken.Type {
		case TokenNewline:
			p.nextToken()
			continue
		case TokenPHASE:
			line := p.curToken.Line
			name, err := p.parseRequiredArgument()
			if err != nil {
				return nil, err
			}
			if err := closePhase(); err != nil {
				return nil, err
			}
			phase = &Phase{Name: name, Line: line}
			p.wf.Phases = append(p.wf.Phases, phase)
			body = &seq{}
			p.inBody = true
			continue
		}

		handled, err := p.parseHeaderStatement()
		if err != nil {
			return nil, err
		}
		if handled {
			continue
		}

		if phase == nil && isStepToken(p.curToken.Type) {
			phase = &Phase{Name: "main", Line: p.curToken.Line}
			p.wf.Phases = append(p.wf.Phases, phase)
		}
		if err := p.parseStatement(body); err != nil {
			return nil, err
		}
		if len(body.steps) > 0 {
			p.inBody = true
		}
	}

	if err := closePhase(); err != nil {
		return nil, err
	}
	if phase == nil {
		if err := p.closeSeq(body); err != nil {
			return nil, err
		}
	}
	return p.wf, nil
}

// parseHeaderStatement parses workflow-level directives. It reports false
// when the current token is not one of them.
func (p *Parser) parseHeaderStatement() (bool, error) {
	tok := p.curToken
	switch tok.Type {
	case TokenNAME, TokenMODEL, TokenADAPTER, TokenMAXCYCLES, TokenSESSIONMODE,
		TokenCONTEXTLIMIT, TokenONCONTEXTLIMIT, TokenCOMPACTPRESERVE, TokenCONTEXT,
		TokenCONTEXTOPTIONAL, TokenPROLOGUE, TokenEPILOGUE, TokenINTRODUCTION:
	default:
		return false, nil
	}

	arg, err := p.parseRequiredArgument()
	if err != nil {
		return true, err
	}
	name := tok.Type.String()

	switch tok.Type {
	case TokenNAME:
		p.wf.Name = arg
	case TokenMODEL:
		p.wf.Model = arg
	case TokenADAPTER:
		p.wf.Adapter = arg
	case TokenMAXCYCLES:
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return true, p.errorf(tok.Line, "%s expects a positive integer, got %q", name, arg)
		}
		p.wf.MaxCycles = n
	case TokenSESSIONMODE:
		mode, err := ParseSessionMode(arg)
		if err != nil {
			return true, p.errorf(tok.Line, "%s: %v", name, err)
		}
		p.wf.Mode = mode
	case TokenCONTEXTLIMIT:
		v, err := ParsePercent(arg)
		if err != nil {
			return true, p.errorf(tok.Line, "%s: %v", name, err)
		}
		p.wf.ContextLimit = v
	case TokenONCONTEXTLIMIT:
		action, err := parseLimitAction(arg)
		if err != nil {
			return true, p.errorf(tok.Line, "%s: %v", name, err)
		}
		p.wf.Defaults.OnContextLimit = action
	case TokenCOMPACTPRESERVE:
		keys, err := p.parseKeyList(tok.Line, name, arg)
		if err != nil {
			return true, err
		}
		p.wf.Defaults.CompactPreserve = appendUnique(p.wf.Defaults.CompactPreserve, keys...)
	case TokenCONTEXT, TokenCONTEXTOPTIONAL:
		for _, pattern := range strings.Fields(arg) {
			p.wf.Context = append(p.wf.Context, ContextPattern{
				Pattern:  pattern,
				Optional: tok.Type == TokenCONTEXTOPTIONAL,
				Line:     tok.Line,
			})
		}
	case TokenPROLOGUE:
		p.wf.Prologues = append(p.wf.Prologues, arg)
	case TokenEPILOGUE:
		p.wf.Epilogues = append(p.wf.Epilogues, arg)
	case TokenINTRODUCTION:
		p.wf.Introduction = arg
	}
	return true, nil
}

// parseStatement parses one step, modifier, or control-flow directive into s.
func (p *Parser) parseStatement(s *seq) error {
	tok := p.curToken
	name := tok.Type.String()

	switch tok.Type {
	case TokenPROMPT:
		text, err := p.parseRequiredArgument()
		if err != nil {
			return err
		}
		s.steps = append(s.steps, &PromptStep{Text: text, Line: tok.Line})

	case TokenRUN:
		command, err := p.parseRequiredArgument()
		if err != nil {
			return err
		}
		s.steps = append(s.steps, p.newRunStep(s, command, tok.Line))

	case TokenVERIFY:
		arg, err := p.parseRequiredArgument()
		if err != nil {
			return err
		}
		fields := strings.Fields(arg)
		step := p.newVerifyStep(s, fields[0], tok.Line)
		if len(fields) > 1 {
			step.Args = fields[1:]
		}
		s.steps = append(s.steps, step)

	case TokenPAUSE:
		if s.nested {
			return p.errorf(tok.Line, "PAUSE is not allowed inside ON-FAILURE or ON-SUCCESS")
		}
		msg, err := p.parseArgument()
		if err != nil {
			return err
		}
		s.steps = append(s.steps, &PauseStep{Message: msg, Line: tok.Line})

	case TokenCHECKPOINT:
		label, err := p.parseArgument()
		if err != nil {
			return err
		}
		s.steps = append(s.steps, &CheckpointStep{Name: label, Line: tok.Line})

	case TokenCOMPACT:
		arg, err := p.parseArgument()
		if err != nil {
			return err
		}
		var keys []string
		if arg != "" {
			if keys, err = p.parseKeyList(tok.Line, name, arg); err != nil {
				return err
			}
		}
		s.steps = append(s.steps, &CompactStep{Preserve: keys, Line: tok.Line})

	case TokenNEWCONVERSATION:
		arg, err := p.parseArgument()
		if err != nil {
			return err
		}
		if arg != "" {
			return p.errorf(tok.Line, "%s takes no argument, got %q", name, arg)
		}
		s.steps = append(s.steps, &NewConversationStep{Line: tok.Line})

	case TokenELIDE:
		arg, err := p.parseArgument()
		if err != nil {
			return err
		}
		if arg != "" {
			return p.errorf(tok.Line, "ELIDE takes no argument, got %q", arg)
		}
		return p.applyElide(s, tok.Line)

	case TokenONFAILURE, TokenONSUCCESS:
		return p.parseBranch(s)

	case TokenRUNONERROR, TokenRUNOUTPUT, TokenRUNOUTPUTLIMIT, TokenRUNTIMEOUT,
		TokenRUNSTATE, TokenALLOWSHELL, TokenVERIFYONERROR, TokenVERIFYOUTPUT, TokenVERIFYLIMIT:
		arg, err := p.parseRequiredArgument()
		if err != nil {
			return err
		}
		return p.applyModifier(s, tok.Type, arg, tok.Line)

	case TokenIdent:
		if p.opts.Unknown == UnknownWarn {
			p.wf.Warnings = append(p.wf.Warnings,
				fmt.Sprintf("line %d: unknown directive %q ignored", tok.Line, tok.Literal))
			p.skipLine()
			return nil
		}
		return p.errorf(tok.Line, "unknown directive %q", tok.Literal)

	case TokenRBrace:
		return p.errorf(tok.Line, "unexpected }")

	case TokenIllegal:
		return p.errorf(tok.Line, "unexpected %q", tok.Literal)

	default:
		if tok.Type.IsDirective() {
			return p.errorf(tok.Line, "%s is only allowed at the top level", name)
		}
		return p.errorf(tok.Line, "unexpected token %s", tok.Type)
	}
	return nil
}

// newRunStep builds a RUN step from the defaults and any pending modifiers.
func (p *Parser) newRunStep(s *seq, command string, line int) *RunStep {
	d := p.wf.Defaults
	step := &RunStep{
		Command:     command,
		OnError:     d.RunOnError,
		Output:      d.RunOutput,
		OutputLimit: d.RunOutputLimit,
		Timeout:     d.RunTimeout,
		AllowShell:  d.AllowShell,
		Line:        line,
	}
	o := s.run
	if o.onError != nil {
		step.OnError = *o.onError
	}
	if o.output != nil {
		step.Output = *o.output
	}
	if o.limit != nil {
		step.OutputLimit = *o.limit
	}
	if o.timeout != nil {
		step.Timeout = *o.timeout
	}
	if o.allowShell != nil {
		step.AllowShell = *o.allowShell
	}
	step.StateKey = o.stateKey
	s.run = runOverrides{}
	return step
}

// newVerifyStep builds a VERIFY step from the defaults and any pending modifiers.
func (p *Parser) newVerifyStep(s *seq, verifier string, line int) *VerifyStep {
	d := p.wf.Defaults
	step := &VerifyStep{
		Verifier:    verifier,
		OnError:     d.VerifyOnError,
		Output:      d.VerifyOutput,
		OutputLimit: d.VerifyLimit,
		Line:        line,
	}
	o := s.verify
	if o.onError != nil {
		step.OnError = *o.onError
	}
	if o.output != nil {
		step.Output = *o.output
	}
	if o.limit != nil {
		step.OutputLimit = *o.limit
	}
	s.verify = verifyOverrides{}
	return step
}

// applyModifier sets a workflow default when it appears before the first
// PHASE or step, otherwise it applies to the next RUN or VERIFY.
func (p *Parser) applyModifier(s *seq, tt TokenType, arg string, line int) error {
	name := tt.String()
	header := !p.inBody && !s.nested
	d := &p.wf.Defaults
	wrap := func(err error) error {
		return p.errorf(line, "%s: %v", name, err)
	}

	switch tt {
	case TokenRUNONERROR, TokenVERIFYONERROR:
		v, err := parseErrorPolicy(arg)
		if err != nil {
			return wrap(err)
		}
		switch {
		case header && tt == TokenRUNONERROR:
			d.RunOnError = v
		case header:
			d.VerifyOnError = v
		case tt == TokenRUNONERROR:
			s.run.onError = &v
			s.run.mark(name, line)
		default:
			s.verify.onError = &v
			s.verify.mark(name, line)
		}

	case TokenRUNOUTPUT, TokenVERIFYOUTPUT:
		v, err := parseOutputMode(arg)
		if err != nil {
			return wrap(err)
		}
		switch {
		case header && tt == TokenRUNOUTPUT:
			d.RunOutput = v
		case header:
			d.VerifyOutput = v
		case tt == TokenRUNOUTPUT:
			s.run.output = &v
			s.run.mark(name, line)
		default:
			s.verify.output = &v
			s.verify.mark(name, line)
		}

	case TokenRUNOUTPUTLIMIT, TokenVERIFYLIMIT:
		v, err := ParseSize(arg)
		if err != nil {
			return wrap(err)
		}
		switch {
		case header && tt == TokenRUNOUTPUTLIMIT:
			d.RunOutputLimit = v
		case header:
			d.VerifyLimit = v
		case tt == TokenRUNOUTPUTLIMIT:
			s.run.limit = &v
			s.run.mark(name, line)
		default:
			s.verify.limit = &v
			s.verify.mark(name, line)
		}

	case TokenRUNTIMEOUT:
		v, err := ParseDuration(arg)
		if err != nil {
			return wrap(err)
		}
		if header {
			d.RunTimeout = v
		} else {
			s.run.timeout = &v
			s.run.mark(name, line)
		}

	case TokenALLOWSHELL:
		v, err := parseBool(arg)
		if err != nil {
			return wrap(err)
		}
		if header {
			d.AllowShell = v
		} else {
			s.run.allowShell = &v
			s.run.mark(name, line)
		}

	case TokenRUNSTATE:
		if !isKey(arg) {
			return p.errorf(line, "%s expects a single state key, got %q", name, arg)
		}
		if header {
			return p.errorf(line, "%s must directly precede a RUN step", name)
		}
		s.run.stateKey = arg
		s.run.mark(name, line)
	}
	return nil
}

// applyElide marks the previous step as merged into the next one.
func (p *Parser) applyElide(s *seq, line int) error {
	if len(s.steps) == 0 {
		return p.errorf(line, "ELIDE must follow a PROMPT, RUN or VERIFY step")
	}
	switch prev := s.steps[len(s.steps)-1].(type) {
	case *PromptStep:
		prev.Elide = true
	case *RunStep:
		prev.Elide = true
	case *VerifyStep:
		prev.Elide = true
	case *BranchStep:
		return p.errorf(line, "ELIDE cannot be combined with ON-FAILURE/ON-SUCCESS on the same step (branch at line %d)", prev.Line)
	default:
		return p.errorf(line, "ELIDE must follow a PROMPT, RUN or VERIFY step, not %s", prev.Kind())
	}
	return nil
}

// parseBranch parses: ON-FAILURE { ... } or ON-SUCCESS { ... }
func (p *Parser) parseBranch(s *seq) error {
	tok := p.curToken
	name := tok.Type.String()
	p.nextToken() // consume ON-FAILURE / ON-SUCCESS

	if p.curToken.Type != TokenLBrace {
		return p.errorf(tok.Line, "expected { after %s, got %s", name, p.curToken.Type)
	}
	p.nextToken()
	if p.curToken.Type != TokenNewline {
		return p.errorf(tok.Line, "%s block must start on the line after {", name)
	}
	p.nextToken()

	block := &seq{nested: true}
	for {
		switch p.curToken.Type {
		case TokenNewline:
			p.nextToken()
			continue
		case TokenEOF:
			return p.errorf(tok.Line, "unterminated %s block", name)
		}
		if p.curToken.Type == TokenRBrace {
			p.nextToken()
			break
		}
		if err := p.parseStatement(block); err != nil {
			return err
		}
	}
	if err := p.closeSeq(block); err != nil {
		return err
	}
	body := &Block{Steps: block.steps, Line: tok.Line}

	if len(s.steps) == 0 {
		return p.errorf(tok.Line, "%s must follow a RUN or VERIFY step", name)
	}

	var branch *BranchStep
	switch prev := s.steps[len(s.steps)-1].(type) {
	case *BranchStep:
		branch = prev
	case *RunStep:
		if prev.Elide {
			return p.errorf(tok.Line, "%s cannot be combined with ELIDE on the same step (RUN at line %d)", name, prev.Line)
		}
	case *VerifyStep:
		if prev.Elide {
			return p.errorf(tok.Line, "%s cannot be combined with ELIDE on the same step (VERIFY at line %d)", name, prev.Line)
		}
	default:
		return p.errorf(tok.Line, "%s must follow a RUN or VERIFY step, not %s", name, prev.Kind())
	}
	if branch == nil {
		branch = &BranchStep{Line: tok.Line}
		s.steps = append(s.steps, branch)
	}

	if tok.Type == TokenONFAILURE {
		if branch.OnFailure != nil {
			return p.errorf(tok.Line, "duplicate ON-FAILURE (first at line %d)", branch.OnFailure.Line)
		}
		branch.OnFailure = body
	} else {
		if branch.OnSuccess != nil {
			return p.errorf(tok.Line, "duplicate ON-SUCCESS (first at line %d)", branch.OnSuccess.Line)
		}
		branch.OnSuccess = body
	}
	return nil
}

// closeSeq checks that nothing in s is left dangling.
func (p *Parser) closeSeq(s *seq) error {
	if s.run.name != "" {
		return p.errorf(s.run.line, "%s is not followed by a RUN step", s.run.name)
	}
	if s.verify.name != "" {
		return p.errorf(s.verify.line, "%s is not followed by a VERIFY step", s.verify.name)
	}
	if n := len(s.steps); n > 0 {
		last := s.steps[n-1]
		if isElided(last) {
			return p.errorf(last.Pos(), "ELIDE on the last step has nothing to merge into")
		}
	}
	return nil
}

// parseArgument consumes the directive word and its optional argument,
// up to and including the end of the line.
func (p *Parser) parseArgument() (string, error) {
	tok := p.curToken
	p.nextToken() // consume directive

	var arg string
	switch p.curToken.Type {
	case TokenText, TokenString:
		arg = p.curToken.Literal
		p.nextToken()
	case TokenIllegal:
		return "", p.errorf(p.curToken.Line, "%s", p.curToken.Literal)
	}

	if p.curToken.Type != TokenNewline && p.curToken.Type != TokenEOF {
		return "", p.errorf(tok.Line, "unexpected %s after %s", p.curToken.Type, tok.Type)
	}
	p.skipNewline()
	return arg, nil
}

// parseRequiredArgument is parseArgument for directives that need a value.
func (p *Parser) parseRequiredArgument() (string, error) {
	tok := p.curToken
	arg, err := p.parseArgument()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(arg) == "" {
		return "", p.errorf(tok.Line, "%s requires an argument", tok.Type)
	}
	return arg, nil
}

// parseKeyList parses a whitespace separated list of state keys.
func (p *Parser) parseKeyList(line int, name, arg string) ([]string, error) {
	keys := strings.Fields(arg)
	for _, k := range keys {
		if !isKey(k) {
			return nil, p.errorf(line, "%s: invalid key %q", name, k)
		}
	}
	return keys, nil
}

// skipLine skips every token up to and including the next newline.
func (p *Parser) skipLine() {
	for p.curToken.Type != TokenNewline && p.curToken.Type != TokenEOF {
		p.nextToken()
	}
	p.skipNewline()
}

// skipNewline skips an optional newline.
func (p *Parser) skipNewline() {
	if p.curToken.Type == TokenNewline {
		p.nextToken()
	}
}

func isStepToken(t TokenType) bool {
	switch t {
	case TokenPROMPT, TokenRUN, TokenVERIFY, TokenPAUSE, TokenCHECKPOINT,
		TokenCOMPACT, TokenNEWCONVERSATION, TokenELIDE, TokenONFAILURE, TokenONSUCCESS:
		return true
	}
	return false
}

func isElided(s Step) bool {
	switch st := s.(type) {
	case *PromptStep:
		return st.Elide
	case *RunStep:
		return st.Elide
	case *VerifyStep:
		return st.Elide
	}
	return false
}

// isKey reports whether s is a valid state key: letters, digits, '-', '_' and '.'.
func isKey(s string) bool {
	if s == "" || !isLetter(s[0]) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) && s[i] != '.' {
			return false
		}
	}
	return true
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
