// Package bootstrap builds the two payloads a freshly spawned interpreter
// consumes: the self-decompressing boot command that fits on a `python -c`
// line, and the compressed runtime preamble it then reads from stdin.
package bootstrap

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"go.olrik.dev/lattice/internal/minify"
)

// firstStage is the program the remote interpreter runs before anything else.
// It forks; the parent of the fork parks the original stdin on descriptor
// 100, moves the preamble pipe over stdin and the module-bootstrap pipe onto
// descriptor 101, then re-execs the interpreter with a decorated argv[0].
// The child of the fork signals readiness with EC0, pumps the decompressed
// preamble into the new interpreter's stdin, and signals EC1.
//
// Optimised for byte count after compression; the three uppercase markers
// are substituted before encoding.
const firstStage = `R,W=os.pipe()
r,w=os.pipe()
if os.fork():
	os.dup2(0,100)
	os.dup2(R,0)
	os.dup2(r,101)
	os.close(R)
	os.close(r)
	os.close(W)
	os.close(w)
	os.environ['ARGV0']=sys.executable
	os.execl(sys.executable,sys.executable+'(lattice:CONTEXT_NAME)')
os.write(1,'EC0\n')
C=_(os.fdopen(0,'rb').read(PREAMBLE_COMPRESSED_LEN),'zip')
os.fdopen(W,'w',0).write(C)
os.fdopen(w,'w',0).write('PREAMBLE_LEN\n'+C)
os.write(1,'EC1\n')
`

// decoder wraps the compressed first stage for the command line. codecs is
// imported so `_` can serve as both the base64 and zlib decode in the boot
// line and as the zlib decode inside the first stage itself.
const decoder = `import codecs,os,sys;_=codecs.decode;exec(_(_("%s".encode(),"base64"),"zip"))`

// FirstStageSource returns the first-stage program with the context name and
// both preamble length literals substituted.
func FirstStageSource(contextName string, compressedLen, plainLen int) string {
	s := strings.ReplaceAll(firstStage, "CONTEXT_NAME", contextName)
	s = strings.ReplaceAll(s, "PREAMBLE_COMPRESSED_LEN", strconv.Itoa(compressedLen))
	s = strings.ReplaceAll(s, "PREAMBLE_LEN", strconv.Itoa(plainLen))
	return s
}

// BootCommand assembles the interpreter argv that bootstraps a child:
// deflate-compress the substituted first stage, base64 it, and wrap it in a
// one-line decode-and-exec argument.
func BootCommand(pythonPath, contextName string, compressedLen, plainLen int) ([]string, error) {
	source := FirstStageSource(contextName, compressedLen, plainLen)
	packed, err := deflate([]byte(source))
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(packed)
	return []string{pythonPath, "-c", fmt.Sprintf(decoder, encoded)}, nil
}

// DecodeBootCommand reverses BootCommand's encoding, returning the embedded
// first-stage source. Used by tests to prove the round trip.
func DecodeBootCommand(argv []string) (string, error) {
	if len(argv) != 3 || argv[1] != "-c" {
		return "", fmt.Errorf("unexpected boot command shape: %v", argv)
	}
	arg := argv[2]
	// The payload is the first quoted literal; the decoder's later literals
	// ("base64", "zip") must not be mistaken for its closing quote.
	start := strings.Index(arg, `"`)
	end := -1
	if start >= 0 {
		if n := strings.Index(arg[start+1:], `"`); n >= 0 {
			end = start + 1 + n
		}
	}
	if start < 0 || end <= start {
		return "", fmt.Errorf("no encoded payload in %q", arg)
	}
	packed, err := base64.StdEncoding.DecodeString(arg[start+1 : end])
	if err != nil {
		return "", fmt.Errorf("base64: %w", err)
	}
	plain, err := inflate(packed)
	if err != nil {
		return "", fmt.Errorf("zlib: %w", err)
	}
	return string(plain), nil
}

// MainArgs is the keyword bundle passed to the child runtime's entry point.
type MainArgs struct {
	ParentIDs      []uint32
	ContextID      uint32
	Debug          bool
	Profiling      bool
	LogLevel       string
	Whitelist      []string
	Blacklist      []string
	MaxMessageSize int
	Version        string
}

// Preamble minimises the runtime source, appends the entry-point call with
// args rendered as a Python keyword dict, and deflate-compresses the result.
// The uncompressed byte length is returned alongside, for the first-stage
// substitution.
func Preamble(runtimeSource string, args MainArgs) (compressed []byte, plainLen int, err error) {
	src := minify.Minimize(runtimeSource)
	src += "\nExternalContext().main(**" + pyDict(args) + ")\n"
	packed, err := deflate([]byte(src))
	if err != nil {
		return nil, 0, err
	}
	return packed, len(src), nil
}

func pyDict(a MainArgs) string {
	var b strings.Builder
	b.WriteByte('{')
	fmt.Fprintf(&b, "'parent_ids':%s,", pyIntList(a.ParentIDs))
	fmt.Fprintf(&b, "'context_id':%d,", a.ContextID)
	fmt.Fprintf(&b, "'debug':%s,", pyBool(a.Debug))
	fmt.Fprintf(&b, "'profiling':%s,", pyBool(a.Profiling))
	fmt.Fprintf(&b, "'log_level':%s,", pyStr(a.LogLevel))
	fmt.Fprintf(&b, "'whitelist':%s,", pyStrList(a.Whitelist))
	fmt.Fprintf(&b, "'blacklist':%s,", pyStrList(a.Blacklist))
	fmt.Fprintf(&b, "'max_message_size':%d,", a.MaxMessageSize)
	fmt.Fprintf(&b, "'version':%s", pyStr(a.Version))
	b.WriteByte('}')
	return b.String()
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func pyStr(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '\'' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('\'')
	return b.String()
}

func pyIntList(v []uint32) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.FormatUint(uint64(n), 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func pyStrList(v []string) string {
	parts := make([]string, len(v))
	for i, s := range v {
		parts[i] = pyStr(s)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
