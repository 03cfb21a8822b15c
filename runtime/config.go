package runtime

import (
	"io"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/pthread"
)

// Config configures a Runtime. Use NewConfig and the builder methods, or
// fill the fields directly; zero values are usable defaults.
type Config struct {
	// Engine runs the guest. Nil means a wazero engine owned and closed by
	// the runtime.
	Engine engine.Engine
	Logger *zap.Logger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Random feeds random_get. Nil means crypto/rand.
	Random io.Reader

	// Root confines guest paths to a host directory seen as "/".
	Root string
	Cwd  string

	Env  []string
	Args []string

	// Layout locates struct pthread fields. Zero means pthread.DefaultLayout.
	Layout pthread.Layout

	// MaxThreads bounds live guest threads. Zero means
	// pthread.DefaultMaxThreads.
	MaxThreads int64

	// MaxFiles bounds the descriptor table. Zero means fs.DefaultMaxFiles.
	MaxFiles int32

	// StubMissingImports links imports the host does not provide to stubs
	// returning ENOSYS instead of failing the load.
	StubMissingImports bool
}

// NewConfig returns an empty configuration.
func NewConfig() *Config {
	return &Config{}
}

// WithEngine sets the engine backend.
func (c *Config) WithEngine(e engine.Engine) *Config {
	c.Engine = e
	return c
}

// WithLogger sets the logger.
func (c *Config) WithLogger(l *zap.Logger) *Config {
	c.Logger = l
	return c
}

// WithEnv sets environment variables as KEY=VALUE strings.
func (c *Config) WithEnv(env ...string) *Config {
	c.Env = env
	return c
}

// WithArgs sets command-line arguments, program name first.
func (c *Config) WithArgs(args ...string) *Config {
	c.Args = args
	return c
}

// WithRoot confines the guest to dir.
func (c *Config) WithRoot(dir string) *Config {
	c.Root = dir
	return c
}

// WithCwd sets the initial working directory
func (c *Config) WithCwd(cwd string) *Config {
	c.Cwd = cwd
	return c
}

// WithStdio binds descriptors 0, 1 and 2. Nil streams read EOF or discard.
func (c *Config) WithStdio(stdin io.Reader, stdout, stderr io.Writer) *Config {
	c.Stdin, c.Stdout, c.Stderr = stdin, stdout, stderr
	return c
}

// WithRandom sets the random_get source.
func (c *Config) WithRandom(r io.Reader) *Config {
	c.Random = r
	return c
}

// WithMaxThreads bounds live guest threads.
func (c *Config) WithMaxThreads(n int64) *Config {
	c.MaxThreads = n
	return c
}

// WithMaxFiles bounds open descriptors.
func (c *Config) WithMaxFiles(n int32) *Config {
	c.MaxFiles = n
	return c
}

// WithLayout overrides the struct pthread layout.
func (c *Config) WithLayout(l pthread.Layout) *Config {
	c.Layout = l
	return c
}

// WithStubMissingImports enables ENOSYS stubs for unknown imports.
func (c *Config) WithStubMissingImports(v bool) *Config {
	c.StubMissingImports = v
	return c
}
