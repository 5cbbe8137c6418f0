// -- internal/cli/interfaces.go --
package cli

import (
	"context"
	"io"
	"io/fs"
	"os"

	"github.com/gemesa/bindiff/internal/sandbox"
)

// FileSystem abstracts OS file operations to enable hermetic testing.
type FileSystem interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (fs.File, error)
	Getwd() (string, error)
	Abs(path string) (string, error)
	WalkDir(root string, fn fs.WalkDirFunc) error
	ReadFile(name string) ([]byte, error)
}

// Sandboxer abstracts the process isolation mechanism.
type Sandboxer interface {
	IsSandboxed() bool
	Run(ctx context.Context, cfg sandbox.Config, stdout, stderr io.Writer) error
}
