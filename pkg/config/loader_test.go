package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

type recordingLogger struct{ warnings []string }

func (l *recordingLogger) Debug(string, ...interface{})  {}
func (l *recordingLogger) Info(string, ...interface{})   {}
func (l *recordingLogger) Notice(string, ...interface{}) {}
func (l *recordingLogger) Error(string, ...interface{})  {}

func (l *recordingLogger) Warn(format string, args ...interface{}) {
	l.warnings = append(l.warnings, format)
}

func writeUnitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFragmentPrecedence(t *testing.T) {
	etc, lib := t.TempDir(), t.TempDir()
	writeUnitFile(t, etc, "swapfile.swap", "[Swap]\nWhat=/etc-swap\n")
	writeUnitFile(t, lib, "swapfile.swap", "[Swap]\nWhat=/lib-swap\n")
	writeUnitFile(t, lib, "other.target", "[Unit]\nDescription=Other\n")

	dl := NewDirLoader([]string{etc, lib}, nil)

	frag, err := dl.LoadFragment("swapfile.swap")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(etc, "swapfile.swap"), frag.Path)
	what, _ := frag.Last("Swap", "What")
	assert.Equal(t, "/etc-swap", what)

	frag, err = dl.LoadFragment("other.target")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(lib, "other.target"), frag.Path)
}

func TestLoadFragmentNotFound(t *testing.T) {
	dl := NewDirLoader([]string{t.TempDir()}, nil)
	_, err := dl.LoadFragment("nope.target")
	assert.ErrorIs(t, err, unit.ErrNotFound)

	_, err = dl.LoadFragment("not a name")
	assert.ErrorIs(t, err, unit.ErrInvalid)
}

func TestLoadFragmentMasked(t *testing.T) {
	etc, lib := t.TempDir(), t.TempDir()
	require.NoError(t, os.Symlink("/dev/null", filepath.Join(etc, "swapfile.swap")))
	writeUnitFile(t, lib, "swapfile.swap", "[Swap]\nWhat=/swapfile\n")

	frag, err := NewDirLoader([]string{etc, lib}, nil).LoadFragment("swapfile.swap")
	require.NoError(t, err)
	assert.Equal(t, "/dev/null", frag.Path)
	assert.Empty(t, frag.Sections)
}

func TestLoadFragmentDropins(t *testing.T) {
	etc, lib := t.TempDir(), t.TempDir()
	writeUnitFile(t, lib, "swapfile.swap", "[Swap]\nWhat=/swapfile\nPriority=1\n")
	writeUnitFile(t, lib, "swapfile.swap.d/10-prio.conf", "[Swap]\nPriority=5\n")
	writeUnitFile(t, lib, "swapfile.swap.d/20-desc.conf", "[Unit]\nDescription=lib\n")
	writeUnitFile(t, etc, "swapfile.swap.d/20-desc.conf", "[Unit]\nDescription=etc\n")
	writeUnitFile(t, etc, "swapfile.swap.d/ignored.txt", "[Unit]\nDescription=nope\n")

	frag, err := NewDirLoader([]string{etc, lib}, nil).LoadFragment("swapfile.swap")
	require.NoError(t, err)

	prio, _ := frag.Last("Swap", "Priority")
	assert.Equal(t, "5", prio)
	desc, _ := frag.Last("Unit", "Description")
	assert.Equal(t, "etc", desc, "a drop-in in /etc hides the same name in /usr/lib")
	assert.Equal(t, []string{"etc"}, frag.All("Unit", "Description"))
}

func TestLoadFragmentDropinsOnly(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "init.scope.d/50-kill.conf", "[Scope]\nKillMode=none\n")

	frag, err := NewDirLoader([]string{dir}, nil).LoadFragment("init.scope")
	require.NoError(t, err)
	assert.Empty(t, frag.Path)
	mode, ok := frag.Last("Scope", "KillMode")
	assert.True(t, ok)
	assert.Equal(t, "none", mode)
}

func TestLoadFragmentTemplate(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "zram@.swap", "[Unit]\nDescription=zram\n[Swap]\nPriority=100\n")
	writeUnitFile(t, dir, "zram@.swap.d/a.conf", "[Swap]\nPriority=50\n")
	writeUnitFile(t, dir, "zram@0.swap.d/b.conf", "[Swap]\nPriority=10\n")

	frag, err := NewDirLoader([]string{dir}, nil).LoadFragment("zram@0.swap")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "zram@.swap"), frag.Path)
	prio, _ := frag.Last("Swap", "Priority")
	assert.Equal(t, "10", prio, "instance drop-ins apply after template drop-ins")
}

func TestLoadFragmentWarnsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "a.target", "[Unit]\nDescription=a\nBogus=1\n")
	logger := &recordingLogger{}

	_, err := NewDirLoader([]string{dir}, logger).LoadFragment("a.target")
	require.NoError(t, err)
	assert.Len(t, logger.warnings, 1)
}

func TestLoadFragmentWrongSection(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "a.target", "[Swap]\nWhat=/x\n")

	_, err := NewDirLoader([]string{dir}, nil).LoadFragment("a.target")
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestNewDirLoaderExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dl := NewDirLoader([]string{"~/.config/slunit/user", "/etc/slunit/user"}, nil)
	assert.Equal(t, []string{filepath.Join(home, ".config/slunit/user"), "/etc/slunit/user"}, dl.UnitDirs())
}

func TestTemplateOf(t *testing.T) {
	tmpl, ok := templateOf("zram@0.swap")
	assert.True(t, ok)
	assert.Equal(t, "zram@.swap", tmpl)

	_, ok = templateOf("zram@.swap")
	assert.False(t, ok)
	_, ok = templateOf("plain.swap")
	assert.False(t, ok)
}
