package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/engels74/stacksave/internal/logging"
	"github.com/engels74/stacksave/internal/types"
	"github.com/engels74/stacksave/pkg/utils"
)

const defaultCompressionLevel = 6

// Config describes what goes into the snapshot archive and how it is
// compressed.
type Config struct {
	Hostname    string
	SourceDirs  []string
	PriorityDir string
	Excludes    []string
	Compression types.CompressionType
	Level       int
	DryRun      bool
}

// CreateResult describes a finished archive.
type CreateResult struct {
	Path     string
	Size     int64
	SHA256   string
	Duration time.Duration
	Warnings []string
}

// Archiver streams tar output through a compressor into an
// age-encrypted file, and verifies existing archives by walking the
// same pipeline in reverse.
type Archiver struct {
	logger    *logging.Logger
	cfg       Config
	recipient age.Recipient
	identity  age.Identity

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	lookPath    func(string) (string, error)
	now         func() time.Time
}

// New creates an archiver encrypting to recipient and verifying with
// identity.
func New(logger *logging.Logger, cfg Config, recipient age.Recipient, identity age.Identity) *Archiver {
	if cfg.Level < 1 || cfg.Level > 9 {
		cfg.Level = defaultCompressionLevel
	}
	return &Archiver{
		logger:      logger,
		cfg:         cfg,
		recipient:   recipient,
		identity:    identity,
		execCommand: exec.CommandContext,
		lookPath:    exec.LookPath,
		now:         time.Now,
	}
}

// ArchiveName returns the file name a snapshot taken now would get.
func (a *Archiver) ArchiveName() string {
	ts := a.now().Format("20060102-150405")
	if a.cfg.Compression == types.CompressionNone {
		return fmt.Sprintf("%s-backup-%s.tar.age", a.cfg.Hostname, ts)
	}
	return fmt.Sprintf("%s-backup-%s.tar.gz.age", a.cfg.Hostname, ts)
}

// Create builds the encrypted archive in outputDir. Unreadable or
// concurrently-changed files surface as warnings on the result; a tar
// exit status above 1, a compressor failure, or an empty output file is
// an error and leaves no partial archive behind.
func (a *Archiver) Create(ctx context.Context, outputDir string) (*CreateResult, error) {
	start := a.now()
	result := &CreateResult{}

	members := a.members(result)
	if len(members) == 0 {
		return nil, fmt.Errorf("no readable source directories to archive")
	}

	outPath := filepath.Join(outputDir, a.ArchiveName())
	if a.cfg.DryRun {
		a.logger.Info("[DRY RUN] Would archive %d path(s) to %s", len(members), outPath)
		result.Duration = time.Since(start)
		return result, nil
	}

	if err := a.runPipeline(ctx, members, outPath, result); err != nil {
		os.Remove(outPath)
		return nil, err
	}

	size, err := utils.GetFileSize(outPath)
	if err != nil || size == 0 {
		os.Remove(outPath)
		return nil, fmt.Errorf("archive %s is empty or unreadable", outPath)
	}
	sum, err := utils.ComputeSHA256(outPath)
	if err != nil {
		a.logger.Warning("Cannot checksum archive %s: %v", outPath, err)
	}

	result.Path = outPath
	result.Size = size
	result.SHA256 = sum
	result.Duration = time.Since(start)
	a.logger.Info("Archive created: %s (%s)", outPath, utils.FormatBytes(size))
	return result, nil
}

// members returns the paths to archive, the priority data directory
// first so its contents lead the tar stream. Missing directories are
// warned about and skipped.
func (a *Archiver) members(result *CreateResult) []string {
	var members []string
	seen := make(map[string]struct{})

	add := func(dir string) {
		if dir == "" {
			return
		}
		clean := filepath.Clean(dir)
		if _, dup := seen[clean]; dup {
			return
		}
		seen[clean] = struct{}{}
		if !utils.DirExists(clean) {
			msg := fmt.Sprintf("source directory missing, skipped: %s", clean)
			a.logger.Warning("%s", msg)
			result.Warnings = append(result.Warnings, msg)
			return
		}
		members = append(members, clean)
	}

	add(a.cfg.PriorityDir)
	for _, dir := range a.cfg.SourceDirs {
		add(dir)
	}
	return members
}

func (a *Archiver) runPipeline(ctx context.Context, members []string, outPath string, result *CreateResult) error {
	tarArgs := []string{"--ignore-failed-read", "-P", "-cf", "-"}
	for _, glob := range a.cfg.Excludes {
		tarArgs = append(tarArgs, "--exclude="+glob)
	}
	tarArgs = append(tarArgs, members...)

	tarCmd := a.execCommand(ctx, "tar", tarArgs...)
	var tarErrBuf bytes.Buffer
	tarCmd.Stderr = &tarErrBuf
	tarOut, err := tarCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tar stdout pipe: %w", err)
	}

	var src io.Reader = tarOut
	var compCmd *exec.Cmd
	var compErrBuf bytes.Buffer
	if a.cfg.Compression != types.CompressionNone {
		bin := a.compressorBinary()
		compCmd = a.execCommand(ctx, bin, "-c", fmt.Sprintf("-%d", a.cfg.Level))
		compCmd.Stdin = tarOut
		compCmd.Stderr = &compErrBuf
		src, err = compCmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("%s stdout pipe: %w", bin, err)
		}
	}

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", outPath, err)
	}
	defer outFile.Close()

	encWriter, err := age.Encrypt(outFile, a.recipient)
	if err != nil {
		return fmt.Errorf("initialize encryption: %w", err)
	}

	if err := tarCmd.Start(); err != nil {
		return fmt.Errorf("start tar: %w", err)
	}
	if compCmd != nil {
		if err := compCmd.Start(); err != nil {
			tarCmd.Process.Kill()
			tarCmd.Wait()
			return fmt.Errorf("start compressor: %w", err)
		}
	}

	_, copyErr := io.Copy(encWriter, src)
	closeErr := encWriter.Close()

	var compErr error
	if compCmd != nil {
		compErr = compCmd.Wait()
	}
	tarErr := tarCmd.Wait()

	if copyErr != nil {
		return fmt.Errorf("write archive: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("finalize encryption: %w", closeErr)
	}
	if compErr != nil {
		return fmt.Errorf("compressor failed: %w (%s)", compErr, lastLines(&compErrBuf, 3))
	}
	if tarErr != nil {
		// Status 1 means some files changed or were unreadable while
		// being archived; the stream itself is complete and usable.
		if exitStatus(tarErr) == 1 {
			msg := fmt.Sprintf("tar reported changed or unreadable files: %s", lastLines(&tarErrBuf, 3))
			a.logger.Warning("%s", msg)
			result.Warnings = append(result.Warnings, msg)
			return nil
		}
		return fmt.Errorf("tar failed: %w (%s)", tarErr, lastLines(&tarErrBuf, 3))
	}
	return nil
}

// Verify decrypts and decompresses the archive and lists its contents,
// proving the whole pipeline produced a readable snapshot.
func (a *Archiver) Verify(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer file.Close()

	decReader, err := age.Decrypt(file, a.identity)
	if err != nil {
		return fmt.Errorf("decrypt archive %s: %w", path, err)
	}

	listArgs := []string{"-tzf", "-"}
	if a.cfg.Compression == types.CompressionNone {
		listArgs = []string{"-tf", "-"}
	}

	tarCmd := a.execCommand(ctx, "tar", listArgs...)
	tarCmd.Stdin = decReader
	tarCmd.Stdout = io.Discard
	var errBuf bytes.Buffer
	tarCmd.Stderr = &errBuf

	if err := tarCmd.Run(); err != nil {
		return fmt.Errorf("archive %s failed verification: %w (%s)", path, err, lastLines(&errBuf, 3))
	}
	return nil
}

// compressorBinary prefers pigz for parallel compression, falling back
// to gzip when it is not installed. Both produce gzip streams, so the
// verify path is identical either way.
func (a *Archiver) compressorBinary() string {
	if a.cfg.Compression == types.CompressionPigz {
		if _, err := a.lookPath("pigz"); err == nil {
			return "pigz"
		}
		a.logger.Debug("pigz not found, falling back to gzip")
	}
	return "gzip"
}

func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func lastLines(buf *bytes.Buffer, n int) string {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}
