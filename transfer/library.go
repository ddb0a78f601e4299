package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pion/logging"

	"camlink/network"
)

var (
	// ErrInvalidPath indicates a project, take, or file name that escapes the library root.
	ErrInvalidPath = errors.New("transfer: invalid media path")
)

// Library serves media stored as root/<project>/<take>/<file> to remote peers.
type Library struct {
	root string
	log  logging.LeveledLogger
}

// NewLibrary returns a library rooted at root, creating the directory when missing.
func NewLibrary(root string, loggerFactory logging.LoggerFactory) (*Library, error) {
	if root == "" {
		return nil, errors.New("library root is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Library{root: root, log: loggerFactory.NewLogger("transfer")}, nil
}

// Root returns the library directory.
func (l *Library) Root() string {
	return l.root
}

// ReadChunk returns up to SegmentSize bytes at the chunk offset. A missing file or an
// offset past the end yields an empty chunk.
func (l *Library) ReadChunk(chunk network.MediaTransferChunk) ([]byte, error) {
	path, err := l.mediaPath(chunk.ProjectUUID, chunk.TakeUUID, chunk.File)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.log.Debugf("chunk %d requested for missing file %s", chunk.Index, path)
			return []byte{}, nil
		}
		return nil, fmt.Errorf("open media file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	buffer := make([]byte, network.SegmentSize)
	n, err := file.ReadAt(buffer, chunk.Offset())
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read media chunk at offset %d: %w", chunk.Offset(), err)
	}
	return buffer[:n], nil
}

// HandleProject answers project-family commands from the library contents.
func (l *Library) HandleProject(_ context.Context, peerUUID string, request network.ProjectRequest) network.ProjectResponse {
	response := network.ProjectResponse{Command: request.Command}

	var err error
	switch request.Command {
	case network.ProjectList:
		response.Projects, err = l.Projects()
	case network.ProjectListTakes:
		response.Takes, err = l.Takes(request.ProjectID)
	case network.ProjectDeleteTake:
		l.log.Infof("peer %s deleting take %s/%s", peerUUID, request.ProjectID, request.TakeID)
		err = l.DeleteTake(request.ProjectID, request.TakeID)
	default:
		err = fmt.Errorf("unsupported project command %q", request.Command)
	}
	if err != nil {
		response.Error = err.Error()
		return response
	}
	response.Success = true
	return response
}

// Projects lists project directories with their take counts.
func (l *Library) Projects() ([]network.Project, error) {
	names, err := listDirs(l.root)
	if err != nil {
		return nil, err
	}
	projects := make([]network.Project, 0, len(names))
	for _, name := range names {
		takes, err := listDirs(filepath.Join(l.root, name))
		if err != nil {
			return nil, err
		}
		projects = append(projects, network.Project{ID: name, Name: name, TakeCount: len(takes)})
	}
	return projects, nil
}

// Takes lists the takes of one project and the files each holds.
func (l *Library) Takes(projectID string) ([]network.Take, error) {
	if err := validComponent(projectID); err != nil {
		return nil, err
	}
	projectDir := filepath.Join(l.root, projectID)
	names, err := listDirs(projectDir)
	if err != nil {
		return nil, err
	}

	takes := make([]network.Take, 0, len(names))
	for _, name := range names {
		entries, err := os.ReadDir(filepath.Join(projectDir, name))
		if err != nil {
			return nil, fmt.Errorf("read take %s: %w", name, err)
		}
		files := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				files = append(files, entry.Name())
			}
		}
		takes = append(takes, network.Take{ID: name, ProjectID: projectID, Files: files})
	}
	return takes, nil
}

// CreateTake makes an empty take directory and returns its path.
func (l *Library) CreateTake(projectID, takeID string) (string, error) {
	if err := validComponent(projectID); err != nil {
		return "", err
	}
	if err := validComponent(takeID); err != nil {
		return "", err
	}
	path := filepath.Join(l.root, projectID, takeID)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("create take: %w", err)
	}
	return path, nil
}

// DeleteTake removes a take directory and everything in it.
func (l *Library) DeleteTake(projectID, takeID string) error {
	if err := validComponent(projectID); err != nil {
		return err
	}
	if err := validComponent(takeID); err != nil {
		return err
	}
	path := filepath.Join(l.root, projectID, takeID)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat take: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete take: %w", err)
	}
	return nil
}

func (l *Library) mediaPath(projectID, takeID, fileName string) (string, error) {
	for _, component := range []string{projectID, takeID, fileName} {
		if err := validComponent(component); err != nil {
			return "", err
		}
	}
	return filepath.Join(l.root, projectID, takeID, fileName), nil
}

func validComponent(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
