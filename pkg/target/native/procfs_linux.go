//go:build linux

package native

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Process statuses
const (
	statusTraceStopT = 'T'
	statusZombie     = 'Z'
)

// readProcComm reads /proc/pid/comm, falling back to /proc/pid/stat.
func readProcComm(pid int) (string, error) {
	comm, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}

	if len(comm) == 0 {
		stat, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			return "", fmt.Errorf("could not read proc stat: %v", err)
		}
		expr := fmt.Sprintf("%d\\s*\\((.*)\\)", pid)
		rexp, err := regexp.Compile(expr)
		if err != nil {
			return "", fmt.Errorf("regexp compile error: %v", err)
		}
		match := rexp.FindSubmatch(stat)
		if match == nil {
			return "", fmt.Errorf("no match found using regexp '%s' in /proc/%d/stat", expr, pid)
		}
		comm = match[1]
	}
	return string(comm), nil
}

// status returns the state letter of /proc/pid/stat, 0 if the process is
// gone.
func status(pid int) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	return parseStatState(bufio.NewReader(f))
}

// parseStatState scans past the task name, which may itself contain spaces
// and parentheses, and returns the state letter that follows it.
func parseStatState(rd *bufio.Reader) rune {
	dat, err := ioutil.ReadAll(rd)
	if err != nil {
		return '\000'
	}
	i := bytes.LastIndexByte(dat, ')')
	if i < 0 || i+2 >= len(dat) {
		return '\000'
	}
	return rune(dat[i+2])
}

// loadThreadList lists the thread ids in /proc/pid/task in ascending order.
func loadThreadList(pid int) ([]int, error) {
	threadIDs := []int{}

	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", pid))
	for _, tidpath := range tids {
		tidstr := filepath.Base(tidpath)
		tid, err := strconv.Atoi(tidstr)
		if err != nil {
			return nil, err
		}
		threadIDs = append(threadIDs, tid)
	}
	sort.Ints(threadIDs)
	return threadIDs, nil
}
