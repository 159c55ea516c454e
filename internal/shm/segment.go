// Package shm provides the shared memory segment backing one cache engine:
// an anonymous MAP_SHARED mapping carved into fixed-size blocks. Every
// allocation is addressed by a Ref (first block, block count, generation)
// and every access goes through the segment so stale or out-of-range refs
// are rejected instead of reading reused memory.
package shm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoRoom 表示段内没有足够的连续空闲块。
	ErrNoRoom = errors.New("shm: no room")
	// ErrStaleRef 表示引用已被释放或越界。
	ErrStaleRef = errors.New("shm: stale or invalid ref")
)

// Ref 是段内分配的类型化句柄，零值表示空。
type Ref struct {
	Block uint32
	Count uint32
	Gen   uint32
}

func (r Ref) IsZero() bool {
	return r.Count == 0
}

func (r Ref) String() string {
	if r.IsZero() {
		return "ref(nil)"
	}
	return fmt.Sprintf("ref(%d+%d@%d)", r.Block, r.Count, r.Gen)
}

// Segment 管理一段 mmap 内存与其块分配表。
type Segment struct {
	name      string
	blockSize int

	mu     sync.Mutex
	data   []byte
	used   *bitset.BitSet
	gens   []uint32
	blocks uint
	inUse  uint
	cursor uint
}

// Stats 描述段的占用情况。
type Stats struct {
	Name       string `json:"name"`
	Capacity   int    `json:"capacity_bytes"`
	Used       int    `json:"used_bytes"`
	BlockSize  int    `json:"block_size"`
	FreeBlocks int    `json:"free_blocks"`
}

// New 创建 size 字节的匿名共享映射，按 blockSize 切分。
func New(name string, size, blockSize int) (*Segment, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("shm %s: invalid block size %d", name, blockSize)
	}
	if size < blockSize {
		return nil, fmt.Errorf("shm %s: size %d smaller than block size %d", name, size, blockSize)
	}
	blocks := size / blockSize
	length := blocks * blockSize

	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("shm %s: mmap %d bytes: %w", name, length, err)
	}

	gens := make([]uint32, blocks)
	for i := range gens {
		gens[i] = 1
	}

	return &Segment{
		name:      name,
		blockSize: blockSize,
		data:      data,
		used:      bitset.New(uint(blocks)),
		gens:      gens,
		blocks:    uint(blocks),
	}, nil
}

func (s *Segment) Name() string {
	return s.name
}

func (s *Segment) BlockSize() int {
	return s.blockSize
}

// BlocksFor 返回容纳 n 字节需要的块数。
func (s *Segment) BlocksFor(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + s.blockSize - 1) / s.blockSize
}

// Alloc 分配至少 n 字节的连续空间，返回的内存已清零。
func (s *Segment) Alloc(n int) (Ref, error) {
	need := uint(s.BlocksFor(n))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return Ref{}, ErrStaleRef
	}
	if need > s.blocks-s.inUse {
		return Ref{}, ErrNoRoom
	}

	start, ok := s.findRun(s.cursor, need)
	if !ok && s.cursor != 0 {
		start, ok = s.findRun(0, need)
	}
	if !ok {
		return Ref{}, ErrNoRoom
	}

	for i := start; i < start+need; i++ {
		s.used.Set(i)
	}
	s.inUse += need
	s.cursor = start + need
	if s.cursor >= s.blocks {
		s.cursor = 0
	}

	region := s.data[int(start)*s.blockSize : int(start+need)*s.blockSize]
	clear(region)

	return Ref{Block: uint32(start), Count: uint32(need), Gen: s.gens[start]}, nil
}

// findRun 从 from 开始寻找 need 个连续空闲块。
func (s *Segment) findRun(from, need uint) (uint, bool) {
	i := from
	for i < s.blocks {
		start, ok := s.used.NextClear(i)
		if !ok || start >= s.blocks || start+need > s.blocks {
			return 0, false
		}
		end := start
		for end < start+need && !s.used.Test(end) {
			end++
		}
		if end == start+need {
			return start, true
		}
		i = end + 1
	}
	return 0, false
}

// Free 释放 ref 并递增其代数，之后对旧 ref 的访问都会失败。
func (s *Segment) Free(ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ref); err != nil {
		return err
	}
	start := uint(ref.Block)
	for i := start; i < start+uint(ref.Count); i++ {
		s.used.Clear(i)
	}
	s.inUse -= uint(ref.Count)
	s.gens[start]++
	if s.gens[start] == 0 {
		s.gens[start] = 1
	}
	return nil
}

// Bytes 返回 ref 对应的内存切片。
func (s *Segment) Bytes(ref Ref) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ref); err != nil {
		return nil, err
	}
	lo := int(ref.Block) * s.blockSize
	hi := lo + int(ref.Count)*s.blockSize
	return s.data[lo:hi:hi], nil
}

// Valid 报告 ref 是否仍指向存活的分配。
func (s *Segment) Valid(ref Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ref) == nil
}

func (s *Segment) check(ref Ref) error {
	if s.data == nil || ref.IsZero() {
		return ErrStaleRef
	}
	start := uint(ref.Block)
	end := start + uint(ref.Count)
	if end > s.blocks || end < start {
		return fmt.Errorf("%w: %s out of range", ErrStaleRef, ref)
	}
	if s.gens[start] != ref.Gen || !s.used.Test(start) {
		return fmt.Errorf("%w: %s", ErrStaleRef, ref)
	}
	return nil
}

func (s *Segment) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Name:       s.name,
		Capacity:   int(s.blocks) * s.blockSize,
		Used:       int(s.inUse) * s.blockSize,
		BlockSize:  s.blockSize,
		FreeBlocks: int(s.blocks - s.inUse),
	}
}

// Close 解除映射，之后所有访问返回 ErrStaleRef。
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}
