package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/svclog"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem. Objects
// live at <root>/objects/<namespace>/<key> with a JSON sidecar carrying the
// ETag and content type.
type Store struct {
	root      string
	tmpDir    string
	lockDir   string
	objectDir string
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		objectDir: filepath.Join(root, "objects"),
		now:       cfg.Now,
		locks:     make(map[string]*keyLock),
	}
	for _, dir := range []string{s.tmpDir, s.lockDir, s.objectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := svclog.FromContext(ctx, nil).With("storage_backend", "disk")
	return logger, logger
}

func normalizeSegment(kind, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("disk: %s required", kind)
	}
	clean := path.Clean("/" + value)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid %s %q", kind, value)
	}
	return clean, nil
}

func (s *Store) objectDataPath(namespace, key string) (string, error) {
	ns, err := normalizeSegment("namespace", namespace)
	if err != nil {
		return "", err
	}
	if strings.Contains(ns, "/") {
		return "", fmt.Errorf("disk: invalid namespace %q", namespace)
	}
	normalized, err := normalizeSegment("object key", key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, ns, filepath.FromSlash(normalized)), nil
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Store) acquireKeyLock(dataPath string) *keyLock {
	s.locksMu.Lock()
	l, ok := s.locks[dataPath]
	if !ok {
		l = &keyLock{}
		s.locks[dataPath] = l
	}
	l.refs++
	s.locksMu.Unlock()
	l.mu.Lock()
	return l
}

func (s *Store) releaseKeyLock(dataPath string, l *keyLock) {
	l.mu.Unlock()
	s.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, dataPath)
	}
	s.locksMu.Unlock()
}

// lockKey serialises writers of one object within the process and across
// processes sharing the root. The lock file is unlinked before it is
// released, so a holder only trusts a descriptor that still names the file
// on disk.
func (s *Store) lockKey(dataPath string) (func(), error) {
	l := s.acquireKeyLock(dataPath)
	rel, err := filepath.Rel(s.objectDir, dataPath)
	if err != nil {
		s.releaseKeyLock(dataPath, l)
		return nil, fmt.Errorf("disk: lock path: %w", err)
	}
	lockPath := filepath.Join(s.lockDir, rel+".lock")
	f, err := openLockFile(lockPath)
	if err != nil {
		s.releaseKeyLock(dataPath, l)
		return nil, err
	}
	return func() {
		_ = os.Remove(lockPath)
		_ = unlockFile(f)
		f.Close()
		pruneEmptyDirs(s.lockDir, filepath.Dir(lockPath))
		s.releaseKeyLock(dataPath, l)
	}, nil
}

func openLockFile(lockPath string) (*os.File, error) {
	for {
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare lock directory: %w", err)
		}
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if errors.Is(err, os.ErrNotExist) {
			// directory pruned by another holder
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("disk: open lock: %w", err)
		}
		if err := lockFile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("disk: lock key: %w", err)
		}
		held, err := f.Stat()
		if err != nil {
			_ = unlockFile(f)
			f.Close()
			return nil, fmt.Errorf("disk: stat lock: %w", err)
		}
		current, err := os.Stat(lockPath)
		if err == nil && os.SameFile(held, current) {
			return f, nil
		}
		_ = unlockFile(f)
		f.Close()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: stat lock: %w", err)
		}
	}
}

func (s *Store) loadObjectInfo(key, dataPath string) (*storage.ObjectInfo, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	if fi.IsDir() {
		return nil, storage.ErrNotFound
	}
	info := &storage.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	switch {
	case err == nil:
		var rec objectInfoRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
		}
		info.ETag = rec.ETag
		info.ContentType = rec.ContentType
	case errors.Is(err, os.ErrNotExist):
		// Objects dropped into the tree by hand have no sidecar.
		info.ETag = strconv.FormatInt(fi.Size(), 16) + "-" + strconv.FormatInt(fi.ModTime().UnixNano(), 16)
	default:
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	return info, nil
}

func (s *Store) writeAtomic(dest string, body io.Reader, prefix string) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, "", err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "attachd-"+prefix+"-*")
	if err != nil {
		return 0, "", err
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, "", err
	}
	_ = syncDir(filepath.Dir(dest))
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// StatObject returns metadata for key.
func (s *Store) StatObject(ctx context.Context, namespace, key string) (*storage.ObjectInfo, error) {
	_, verbose := s.loggers(ctx)
	dataPath, err := s.objectDataPath(namespace, key)
	if err != nil {
		return nil, err
	}
	info, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		verbose.Trace("disk.stat_object.miss", "namespace", namespace, "key", key, "error", err)
		return nil, err
	}
	return info, nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.get_object.begin", "namespace", namespace, "key", key)
	dataPath, err := s.objectDataPath(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			verbose.Debug("disk.get_object.not_found", "namespace", namespace, "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "namespace", namespace, "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	verbose.Debug("disk.get_object.success", "namespace", namespace, "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object to disk with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.put_object.begin", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	dataPath, err := s.objectDataPath(namespace, key)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockKey(dataPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadObjectInfo(key, dataPath)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Debug("disk.put_object.load_error", "key", key, "error", err)
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			verbose.Debug("disk.put_object.cas_missing", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			verbose.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && current != nil:
			verbose.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
	}

	written, etag, err := s.writeAtomic(dataPath, body, "object")
	if err != nil {
		logger.Debug("disk.put_object.write_error", "key", key, "error", err)
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now().UTC()
	rec, err := json.Marshal(objectInfoRecord{ETag: etag, ContentType: opts.ContentType, UpdatedAtUnix: now.Unix()})
	if err != nil {
		return nil, fmt.Errorf("disk: encode object metadata for %q: %w", key, err)
	}
	if _, _, err := s.writeAtomic(dataPath+infoSuffix, strings.NewReader(string(rec)), "objectinfo"); err != nil {
		return nil, fmt.Errorf("disk: write object metadata for %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}
	verbose.Debug("disk.put_object.success", "namespace", namespace, "key", key, "size", info.Size, "etag", info.ETag)
	return info, nil
}

// pruneEmptyDirs removes empty directories from dir up to, but not
// including, stop.
func pruneEmptyDirs(stop, dir string) {
	for dir != stop && strings.HasPrefix(dir, stop+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
