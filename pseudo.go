package squash

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/kilnfs/squash/compressor"
)

// pseudoHook is one entry of the keyword dispatch table, the fixed
// tagged-variant replacement for the source's callback-table-of-function-
// pointers: a static, exhaustive map keyed by keyword, each value naming
// the node kind it produces and whether it takes a mode/uid/gid
// wildcard ("*", glob only), requires an extra field, and tolerates the
// root path.
type pseudoHook struct {
	kind      Kind
	needExtra bool
	isGlob    bool
	allowRoot bool
}

var pseudoHooks = map[string]pseudoHook{
	"dir":   {kind: KindDirectory, allowRoot: true},
	"slink": {kind: KindSymlink, needExtra: true},
	"link":  {kind: KindHardLink, needExtra: true},
	"nod":   {needExtra: true}, // char or block, decided by extra's leading "c"/"b"
	"pipe":  {kind: KindFIFO},
	"sock":  {kind: KindSocket},
	"file":  {kind: KindRegular},
	"glob":  {isGlob: true, allowRoot: true},
}

// Parser ingests a pseudo-file description into a Tree, one line at a
// time, halting on the first malformed line.
type Parser struct {
	tree       *Tree
	basePath   string
	defModTime time.Time
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithBasePath sets the directory "file" and "glob" entries' host paths
// are resolved against when the pseudo-file itself doesn't supply an
// absolute path.
func WithBasePath(dir string) ParserOption {
	return func(p *Parser) { p.basePath = dir }
}

// WithDefaultModTime sets the mtime stamped on every entry that doesn't
// keep its host mtime (glob's -keeptime).
func WithDefaultModTime(t time.Time) ParserOption {
	return func(p *Parser) { p.defModTime = t }
}

// NewParser returns a Parser that adds entries to tree.
func NewParser(tree *Tree, opts ...ParserOption) *Parser {
	p := &Parser{tree: tree, defModTime: time.Now()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseFile reads and applies the pseudo-file at path, transparently
// decompressing it if its leading bytes carry a gzip or zstd magic.
func (p *Parser) ParseFile(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is operator-provided by design
	if err != nil {
		return newErr(KindIO, err)
	}
	defer f.Close()

	r, _, err := compressor.DetectReader(f)
	if err != nil {
		return newErr(KindIO, err)
	}
	return p.Parse(path, r)
}

// Parse reads every non-empty, non-comment line of r and applies it to
// the tree, reporting the first error with filename and line number.
func (p *Parser) Parse(filename string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimLeft(scanner.Text(), " \t")
		if line == "" || line[0] == '#' {
			continue
		}
		if err := p.handleLine(line); err != nil {
			return newParseErr(filename, lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return newErr(KindIO, err)
	}
	return nil
}

func (p *Parser) handleLine(line string) error {
	keyword, rest, ok := cutKeyword(line)
	if !ok {
		return fmt.Errorf("unknown entry type")
	}
	hook, ok := pseudoHooks[keyword]
	if !ok {
		return fmt.Errorf("unknown entry type")
	}

	nodePath, rest, err := readPseudoString(rest)
	if err != nil {
		return fmt.Errorf("error in entry description")
	}
	nodePath = "/" + strings.Trim(path.Clean("/"+nodePath), "/")
	if nodePath == "/" && !hook.allowRoot {
		return fmt.Errorf("cannot use / as argument for %s", keyword)
	}

	var mode uint16
	var uid, gid uint32
	var keepMode, keepUID, keepGID bool

	mode, rest, keepMode, err = readModeField(rest, hook.isGlob)
	if err != nil {
		return err
	}
	uid, rest, keepUID, err = readIDField(rest, hook.isGlob)
	if err != nil {
		return err
	}
	gid, rest, keepGID, err = readIDField(rest, hook.isGlob)
	if err != nil {
		return err
	}

	extra := strings.TrimLeft(rest, " \t")
	if hook.needExtra && extra == "" {
		return fmt.Errorf("missing argument for %s", keyword)
	}

	attrs := Attrs{Mode: mode, UID: uid, GID: gid, ModTime: p.defModTime}

	switch keyword {
	case "dir", "pipe", "sock":
		_, err := p.tree.Add(nodePath, hook.kind, attrs, nil)
		return err
	case "slink":
		_, err := p.tree.Add(nodePath, KindSymlink, attrs, extra)
		return err
	case "link":
		_, err := p.tree.AddHardLink(nodePath, "/"+strings.Trim(path.Clean("/"+extra), "/"))
		return err
	case "nod":
		dev, devKind, err := parseDeviceSpec(extra)
		if err != nil {
			return err
		}
		_, err = p.tree.Add(nodePath, devKind, attrs, dev)
		return err
	case "file":
		src := extra
		if src == "" {
			src = nodePath
		}
		_, err := p.tree.Add(nodePath, KindRegular, attrs, HostFileSource{Path: p.resolveHostPath(src)})
		return err
	case "glob":
		return p.handleGlob(nodePath, attrs, keepMode, keepUID, keepGID, extra)
	}
	return fmt.Errorf("unknown entry type")
}

func (p *Parser) resolveHostPath(rel string) string {
	if path.IsAbs(rel) || p.basePath == "" {
		return rel
	}
	return path.Join(p.basePath, rel)
}

// cutKeyword splits line into its leading keyword and the remainder,
// requiring the keyword be followed by whitespace.
func cutKeyword(line string) (string, string, bool) {
	for kw := range pseudoHooks {
		if strings.HasPrefix(line, kw) && len(line) > len(kw) && isSpaceByte(line[len(kw)]) {
			return kw, strings.TrimLeft(line[len(kw):], " \t"), true
		}
	}
	return "", "", false
}

func isSpaceByte(b byte) bool { return b == ' ' || b == '\t' }

// readPseudoString reads one whitespace-delimited token, or a quoted
// string if it starts with '"' or '\'', and returns it plus the
// remainder with leading whitespace trimmed. Double-quoted strings
// recognize \" and \\ as escapes; single-quoted strings have no escapes.
func readPseudoString(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("error in entry description")
	}
	if s[0] == '"' {
		var b strings.Builder
		i := 1
		for i < len(s) && s[i] != '"' {
			if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			b.WriteByte(s[i])
			i++
		}
		if i >= len(s) {
			return "", "", fmt.Errorf("unterminated quoted string")
		}
		i++ // skip closing quote
		return b.String(), strings.TrimLeft(s[i:], " \t"), nil
	}
	if s[0] == '\'' {
		end := strings.IndexByte(s[1:], '\'')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated quoted string")
		}
		return s[1 : 1+end], strings.TrimLeft(s[2+end:], " \t"), nil
	}
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", nil
	}
	return s[:i], strings.TrimLeft(s[i:], " \t"), nil
}

func readModeField(s string, isGlob bool) (uint16, string, bool, error) {
	tok, rest, err := readPseudoString(s)
	if err != nil {
		return 0, "", false, err
	}
	if isGlob && tok == "*" {
		return 0, rest, true, nil
	}
	v, err := strconv.ParseUint(tok, 8, 32)
	if err != nil {
		return 0, "", false, fmt.Errorf("mode must be an octal number <= 07777")
	}
	if v > 07777 {
		return 0, "", false, newErr(KindLimit, ErrModeOutOfRange)
	}
	return uint16(v), rest, false, nil
}

func readIDField(s string, isGlob bool) (uint32, string, bool, error) {
	tok, rest, err := readPseudoString(s)
	if err != nil {
		return 0, "", false, err
	}
	if isGlob && tok == "*" {
		return 0, rest, true, nil
	}
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, "", false, fmt.Errorf("uid & gid must be decimal numbers < 2^32")
	}
	if v >= 1<<32 {
		return 0, "", false, newErr(KindLimit, ErrOwnerOutOfRange)
	}
	return uint32(v), rest, false, nil
}

// parseDeviceSpec parses a "nod" entry's extra field: "<c|b> <major> <minor>".
func parseDeviceSpec(extra string) (DeviceNumbers, Kind, error) {
	fields := strings.Fields(extra)
	if len(fields) != 3 {
		return DeviceNumbers{}, 0, fmt.Errorf("expected '<c|b> major minor'")
	}
	major, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return DeviceNumbers{}, 0, fmt.Errorf("expected '<c|b> major minor'")
	}
	minor, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return DeviceNumbers{}, 0, fmt.Errorf("expected '<c|b> major minor'")
	}
	switch strings.ToLower(fields[0]) {
	case "c":
		return DeviceNumbers{Major: uint32(major), Minor: uint32(minor)}, KindCharDevice, nil
	case "b":
		return DeviceNumbers{Major: uint32(major), Minor: uint32(minor)}, KindBlockDevice, nil
	default:
		return DeviceNumbers{}, 0, fmt.Errorf("unknown device type %q", fields[0])
	}
}

// globClause is one parsed "glob" filter predicate.
type globClause struct {
	excludeKinds  []Kind
	stayOnFS      bool
	keepTime      bool
	nonRecursive  bool
	namePattern   string
	matchFullPath bool
	dir           string
}

var allScanKinds = []Kind{KindCharDevice, KindBlockDevice, KindDirectory, KindFIFO, KindRegular, KindSymlink, KindSocket}

func typeFlagKind(c byte) (Kind, bool) {
	switch c {
	case 'b':
		return KindBlockDevice, true
	case 'c':
		return KindCharDevice, true
	case 'd':
		return KindDirectory, true
	case 'p':
		return KindFIFO, true
	case 'f':
		return KindRegular, true
	case 'l':
		return KindSymlink, true
	case 's':
		return KindSocket, true
	default:
		return 0, false
	}
}

// parseGlobClause parses extra's option sequence: a whitelist of
// -type flags (the first one seen switches from "allow everything" to
// "deny everything except what's explicitly whitelisted"), -xdev/-mount,
// -keeptime, -nonrecursive, -name/-path, and a terminating "--" or the
// first non-option token, which becomes the scan's starting directory.
func parseGlobClause(extra string) (globClause, error) {
	var gc globClause
	var denied map[Kind]bool
	firstTypeFlag := true

	fields := tokenizeGlobOptions(extra)
	i := 0
	for i < len(fields) {
		tok := fields[i]
		switch {
		case tok == "-type":
			if i+1 >= len(fields) {
				return gc, fmt.Errorf("-type requires an argument")
			}
			letter := fields[i+1]
			k, ok := typeFlagKind(letter[0])
			if !ok {
				return gc, fmt.Errorf("unknown -type %q", letter)
			}
			if firstTypeFlag {
				denied = make(map[Kind]bool, len(allScanKinds))
				for _, kk := range allScanKinds {
					denied[kk] = true
				}
				firstTypeFlag = false
			}
			delete(denied, k)
			i += 2
			continue
		case tok == "-xdev" || tok == "-mount":
			gc.stayOnFS = true
		case tok == "-keeptime":
			gc.keepTime = true
		case tok == "-nonrecursive":
			gc.nonRecursive = true
		case tok == "-name":
			if i+1 >= len(fields) {
				return gc, fmt.Errorf("-name requires an argument")
			}
			gc.namePattern = fields[i+1]
			i += 2
			continue
		case tok == "-path":
			if i+1 >= len(fields) {
				return gc, fmt.Errorf("-path requires an argument")
			}
			gc.namePattern = fields[i+1]
			gc.matchFullPath = true
			i += 2
			continue
		case tok == "--":
			i++
			goto doneOptions
		case strings.HasPrefix(tok, "-"):
			return gc, fmt.Errorf("unknown option")
		default:
			goto doneOptions
		}
		i++
	}
doneOptions:
	if denied != nil {
		for k := range denied {
			gc.excludeKinds = append(gc.excludeKinds, k)
		}
	}
	if i < len(fields) {
		gc.dir = fields[i]
	}
	return gc, nil
}

// tokenizeGlobOptions splits extra on whitespace while keeping a single
// quoted -name/-path argument intact.
func tokenizeGlobOptions(extra string) []string {
	var out []string
	for extra != "" {
		extra = strings.TrimLeft(extra, " \t")
		if extra == "" {
			break
		}
		tok, rest, err := readPseudoString(extra)
		if err != nil {
			out = append(out, extra)
			break
		}
		out = append(out, tok)
		extra = rest
	}
	return out
}

func (p *Parser) handleGlob(nodePath string, attrs Attrs, keepMode, keepUID, keepGID bool, extra string) error {
	target, ok := p.tree.Resolve(nodePath)
	if !ok {
		return fmt.Errorf("%s: no such directory", nodePath)
	}
	if p.tree.node(target).kind != KindDirectory {
		return fmt.Errorf("%s is not a directory", nodePath)
	}

	gc, err := parseGlobClause(extra)
	if err != nil {
		return err
	}

	dir := gc.dir
	if dir == "" {
		dir = "."
	}
	root := p.resolveHostPath(dir)

	var opts []ScanOption
	if len(gc.excludeKinds) > 0 {
		opts = append(opts, WithExcludeKinds(gc.excludeKinds...))
	}
	if gc.stayOnFS {
		opts = append(opts, WithStayOnFilesystem())
	}
	if gc.nonRecursive {
		opts = append(opts, WithNonRecursive())
	}
	if gc.namePattern != "" {
		opts = append(opts, WithNamePattern(gc.namePattern, gc.matchFullPath))
	}

	scanner := NewOSScanner(root, opts...)
	return scanner.Scan(context.Background(), func(e ScanEntry) error {
		entryAttrs := e.Attrs
		if !keepMode {
			entryAttrs.Mode = attrs.Mode
		}
		if !keepUID {
			entryAttrs.UID = attrs.UID
		}
		if !keepGID {
			entryAttrs.GID = attrs.GID
		}
		if !gc.keepTime {
			entryAttrs.ModTime = p.defModTime
		}

		childPath := path.Join(nodePath, e.Path)
		var payload any
		switch e.Kind {
		case KindRegular:
			payload = e.Source
		case KindSymlink:
			payload = e.Target
		case KindCharDevice, KindBlockDevice:
			payload = e.Dev
		}
		_, err := p.tree.Add(childPath, e.Kind, entryAttrs, payload)
		return err
	})
}
