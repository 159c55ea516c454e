package disk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/any-hub/any-cache/internal/cachekey"
)

// ErrNotFound 表示分片目录中没有属于该 key 的有效文件。
var ErrNotFound = errors.New("disk: entry not found")

// tempPrefix 标记尚未完成的写入文件，扫描时跳过。
const tempPrefix = ".tmp-"

// Store 管理一个根目录下的全部缓存文件。
type Store struct {
	root   string
	loaded atomic.Bool

	cleaner *walker
	loader  *walker
}

// New 以 root 为根目录构建磁盘存储，目录不存在时自动创建。
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("disk root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve disk root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create disk root: %w", err)
	}
	return &Store{
		root:    abs,
		cleaner: &walker{root: abs, temps: true},
		loader:  newWalker(abs),
	}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Loaded 表示启动后的目录重载是否已完成一整轮。
func (s *Store) Loaded() bool {
	return s.loaded.Load()
}

// Dir 返回 key 所在的分片目录。
func (s *Store) Dir(key cachekey.Key) string {
	return shardDir(s.root, key.Hex())
}

func shardDir(root, hex string) string {
	return filepath.Join(root, hex[:1], hex[:2], hex)
}

// File 是一个已打开的缓存文件，每个读者持有独立的描述符与偏移。
type File struct {
	Path string
	Meta Meta

	f *os.File
}

// Open 打开 path 并解析 meta，不校验 key。
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	file := &File{Path: path, f: f}
	if err := file.readMeta(); err != nil {
		f.Close()
		return nil, err
	}
	return file, nil
}

func (f *File) readMeta() error {
	buf := make([]byte, MetaSize)
	if _, err := f.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	m, err := decodeMeta(buf)
	if err != nil {
		return err
	}
	info, err := f.f.Stat()
	if err != nil {
		return err
	}
	if err := m.check(info.Size()); err != nil {
		return err
	}
	f.Meta = m
	return nil
}

// ReadAt 为读状态机提供定位读。
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.f.ReadAt(p, off)
}

func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// Key 读取文件中保存的完整 key。
func (f *File) Key() ([]byte, error) {
	return f.readProp(int64(MetaSize), int64(f.Meta.KeyLen))
}

func (f *File) ETag() (string, error) {
	off, n := unpackProp(f.Meta.ETag)
	b, err := f.readProp(off, n)
	return string(b), err
}

func (f *File) LastModified() (string, error) {
	off, n := unpackProp(f.Meta.LastModified)
	b, err := f.readProp(off, n)
	return string(b), err
}

func (f *File) readProp(off, n int64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := f.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	return buf, nil
}

// Valid 重新读取 meta 并确认文件确实属于 key，防止同分片下的哈希碰撞。
func Valid(f *File, key cachekey.Key) error {
	if f == nil || f.f == nil {
		return ErrNotFound
	}
	if err := f.readMeta(); err != nil {
		return err
	}
	if f.Meta.Hash != key.Hash || f.Meta.KeyLen != uint64(len(key.Data)) {
		return ErrKeyMismatch
	}
	stored, err := f.Key()
	if err != nil {
		return err
	}
	if !bytes.Equal(stored, key.Data) {
		return ErrKeyMismatch
	}
	return nil
}

// Exists 在 key 的分片目录中查找并打开一个属于该 key 且未过期的文件。
func (s *Store) Exists(key cachekey.Key, nowSec uint64) (*File, error) {
	names, err := listFiles(s.Dir(key))
	if err != nil {
		return nil, err
	}
	for _, path := range names {
		file, err := Open(path)
		if err != nil {
			continue
		}
		if file.Meta.Expired(nowSec) || Valid(file, key) != nil {
			file.Close()
			continue
		}
		return file, nil
	}
	return nil, ErrNotFound
}

// PurgeByKey 扫描分片目录，删除所有属于 key 的文件。
func (s *Store) PurgeByKey(key cachekey.Key) error {
	names, err := listFiles(s.Dir(key))
	if err != nil {
		return err
	}
	removed := 0
	for _, path := range names {
		file, err := Open(path)
		if err != nil {
			continue
		}
		match := Valid(file, key) == nil
		file.Close()
		if !match {
			continue
		}
		if err := Remove(path); err != nil {
			return err
		}
		removed++
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExpire 原地改写 meta 中的过期时间。条目在索引中被顺延后调用，
// 让磁盘清理与重启重载看到同样的期限。
func SetExpire(path string, expire uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer f.Close()

	file := &File{Path: path, f: f}
	if err := file.readMeta(); err != nil {
		return err
	}
	file.Meta.Expire = expire
	buf, err := file.Meta.encode()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("rewrite meta: %w", err)
	}
	return nil
}

// Remove 删除文件，并在分片目录变空时一并移除。
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	// 非空目录会删除失败，直接忽略。
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// listFiles 列出目录下已完成的缓存文件，目录不存在返回 ErrNotFound。
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// ReadTail 读取 off 之后直到文件末尾的全部字节。
func (f *File) ReadTail(off int64) ([]byte, error) {
	info, err := f.f.Stat()
	if err != nil {
		return nil, err
	}
	end := info.Size()
	if end <= off {
		return nil, nil
	}
	buf := make([]byte, end-off)
	n, err := f.f.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == end-off) {
		return nil, err
	}
	return buf, nil
}
