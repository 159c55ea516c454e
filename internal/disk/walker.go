package disk

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/any-hub/any-cache/internal/cachekey"
)

const hexDigits = "0123456789abcdef"

// staleTemp 之前的临时文件视为崩溃残留。
const staleTemp = time.Hour

// walker 以可恢复的游标逐个遍历根目录下的文件，每次只展开一个一级分片。
type walker struct {
	root  string
	temps bool

	shard int
	dirs  []string
	files []string
}

func newWalker(root string) *walker {
	return &walker{root: root}
}

// next 返回下一个文件；一整轮结束时返回 false 并从头开始。
func (w *walker) next() (string, bool) {
	for {
		if len(w.files) > 0 {
			f := w.files[0]
			w.files = w.files[1:]
			return f, true
		}
		if len(w.dirs) > 0 {
			d := w.dirs[0]
			w.dirs = w.dirs[1:]
			w.files = w.list(d)
			continue
		}
		if w.shard >= len(hexDigits) {
			w.shard = 0
			return "", false
		}
		matches, _ := filepath.Glob(filepath.Join(w.root, hexDigits[w.shard:w.shard+1], "*", "*"))
		w.shard++
		w.dirs = matches
	}
}

func (w *walker) list(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !w.temps && strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out
}

// CleanupStep 检查下一个文件：过期、损坏或残留的临时文件会被删除。
// 返回值 more 为 false 表示一整轮扫描已结束。
func (s *Store) CleanupStep(nowSec uint64) (removed, more bool) {
	path, ok := s.cleaner.next()
	if !ok {
		return false, false
	}

	if strings.HasPrefix(filepath.Base(path), tempPrefix) {
		info, err := os.Stat(path)
		if err == nil && time.Since(info.ModTime()) > staleTemp {
			return os.Remove(path) == nil, true
		}
		return false, true
	}

	file, err := Open(path)
	if err != nil {
		return Remove(path) == nil, true
	}
	expired := file.Meta.Expired(nowSec)
	file.Close()
	if expired {
		return Remove(path) == nil, true
	}
	return false, true
}

// Record 是重载时从文件恢复的条目信息。
type Record struct {
	Key          cachekey.Key
	Path         string
	Meta         Meta
	ETag         string
	LastModified string
}

// LoadStep 读取下一个有效文件并交给 fn。一整轮结束后标记 Loaded 并返回 false。
func (s *Store) LoadStep(nowSec uint64, fn func(Record)) bool {
	if s.Loaded() {
		return false
	}
	path, ok := s.loader.next()
	if !ok {
		s.loaded.Store(true)
		return false
	}

	rec, err := readRecord(path, nowSec)
	if err == nil {
		fn(rec)
	}
	return true
}

func readRecord(path string, nowSec uint64) (Record, error) {
	file, err := Open(path)
	if err != nil {
		return Record{}, err
	}
	defer file.Close()

	if file.Meta.Expired(nowSec) {
		return Record{}, ErrNotFound
	}
	data, err := file.Key()
	if err != nil {
		return Record{}, err
	}
	key := cachekey.New(data)
	if key.Hash != file.Meta.Hash {
		return Record{}, ErrKeyMismatch
	}
	etag, err := file.ETag()
	if err != nil {
		return Record{}, err
	}
	lm, err := file.LastModified()
	if err != nil {
		return Record{}, err
	}
	return Record{Key: key, Path: path, Meta: file.Meta, ETag: etag, LastModified: lm}, nil
}
