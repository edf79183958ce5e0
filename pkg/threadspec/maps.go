package threadspec

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

// Region is one line of /proc/<pid>/maps.
type Region struct {
	Start    uint64
	End      uint64
	Perm     string
	Offset   uint64
	Dev      string
	Inode    uint64
	Filename string
}

func (r *Region) Size() uint64 {
	return r.End - r.Start
}

func (r *Region) IsRead() bool {
	return r.Perm[0] == 'r'
}

func (r *Region) IsWrite() bool {
	return r.Perm[1] == 'w'
}

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ReadProcMaps parses the memory map of pid below root, normally /proc.
func ReadProcMaps(root string, pid int) ([]Region, error) {
	file, err := os.Open(filepath.Join(root, strconv.Itoa(pid), "maps"))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseProcMaps(file)
}

func parseProcMaps(r io.Reader) ([]Region, error) {
	reader := bufio.NewReader(r)
	result := make([]Region, 0)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			if err == io.EOF {
				break
			}
			continue
		}
		splits := strings.Fields(line)
		if len(splits) < 5 {
			return nil, fmt.Errorf("invalid map range: %s", line)
		}
		rangeSplit := strings.Split(splits[0], "-")
		if len(rangeSplit) != 2 {
			return nil, fmt.Errorf("invalid map range: %s", line)
		}
		start, err := strconv.ParseUint(rangeSplit[0], 16, 64)
		if err != nil {
			return nil, err
		}
		end, err := strconv.ParseUint(rangeSplit[1], 16, 64)
		if err != nil {
			return nil, err
		}
		perm := splits[1]
		if len(perm) != 4 {
			return nil, fmt.Errorf("invalid permissions %q: %s", perm, line)
		}
		offset, err := strconv.ParseUint(splits[2], 16, 64)
		if err != nil {
			return nil, err
		}
		dev := splits[3]
		inode, err := strconv.ParseUint(splits[4], 10, 64)
		if err != nil {
			return nil, err
		}
		// file names may contain spaces, e.g. "/tmp/a b (deleted)"
		filename := strings.Join(splits[5:], " ")
		result = append(result, Region{Start: start,
			End: end, Perm: perm,
			Offset: offset, Dev: dev,
			Inode: inode, Filename: filename,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	return result, nil
}

type mapsKey struct {
	handle uint64
	pid    int
	stop   uint64
}

// MapsLookup reports the readable and writable mapping containing the stack pointer as
// the thread's stack. Parsed maps are cached per handle and stop, a target
// that did not run since can not have changed its mappings.
type MapsLookup struct {
	root  string
	cache *lru.Cache
}

// NewMapsLookup returns a lookup reading maps below root, /proc when
// empty, caching the maps of up to size stops.
func NewMapsLookup(root string, size int) (*MapsLookup, error) {
	if root == "" {
		root = "/proc"
	}
	if size <= 0 {
		size = 16
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &MapsLookup{root: root, cache: cache}, nil
}

func (l *MapsLookup) regions(mem target.Memory) ([]Region, error) {
	key := mapsKey{handle: mem.HandleID(), pid: mem.Pid(), stop: mem.StopCount()}
	if v, ok := l.cache.Get(key); ok {
		return v.([]Region), nil
	}
	regions, err := ReadProcMaps(l.root, key.pid)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, regions)
	return regions, nil
}

func (l *MapsLookup) LookupSpecifics(mem target.Memory, ctx target.ThreadContext) (target.ThreadSpecifics, error) {
	regions, err := l.regions(mem)
	if err != nil {
		return target.ThreadSpecifics{}, err
	}
	i := sort.Search(len(regions), func(i int) bool { return regions[i].End > ctx.SP })
	if i == len(regions) {
		return target.ThreadSpecifics{}, target.ErrSpecificsNotFound
	}
	r := regions[i]
	if !r.Contains(ctx.SP) || !r.IsRead() || !r.IsWrite() {
		return target.ThreadSpecifics{}, target.ErrSpecificsNotFound
	}
	return target.ThreadSpecifics{StackBase: r.Start, StackSize: r.Size()}, nil
}
