// Package launcher implements the CLI surface of SPEC_FULL.md §6.1: the
// four run modes (master, slave, serial, bypass) cmd/mrs dispatches to,
// plus the single built-in user program (word count) every mode runs.
// This is the direct descendant of the teacher's cmd/master and cmd/worker
// bootstrap sequences, merged behind one dispatcher and extended with the
// two modes the teacher never had (serial, bypass).
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"mrs/internal/driver"
	"mrs/internal/master"
	"mrs/internal/slave"
	"mrs/internal/userfunc"
	"mrs/internal/utils"
)

// WordCount is the built-in user program every mode runs (SPEC_FULL.md
// §4.6.1): file_data → map(wc_map, combiner wc_combine) → reduce(wc_reduce).
func WordCount(files []string, mapSplits, reduceSplits int) driver.RunFunc {
	return func(job *driver.Job) error {
		if len(files) == 0 {
			return fmt.Errorf("launcher: no input files given")
		}
		src, err := job.FileData(files, driver.Options{})
		if err != nil {
			return err
		}
		mapped, err := job.MapData(src, "wc_map", driver.Options{Splits: mapSplits, Combiner: "wc_combine"})
		if err != nil {
			return err
		}
		reduced, err := job.ReduceData(mapped, "wc_reduce", driver.Options{Splits: reduceSplits})
		if err != nil {
			return err
		}
		if _, aborted := job.Wait([]int{reduced}, 5*time.Minute); aborted {
			return fmt.Errorf("launcher: job aborted")
		}
		records, err := job.FetchAll(reduced)
		if err != nil {
			return err
		}
		for _, kv := range records {
			fmt.Printf("%s\t%s\n", kv[0], kv[1])
		}
		_ = job.Close(src)
		_ = job.Close(mapped)
		_ = job.Close(reduced)
		return nil
	}
}

// MasterOptions configures RunMaster.
type MasterOptions struct {
	Port         int
	TmpDir       string
	Files        []string
	WaitSlaves   int
	WaitTimeout  time.Duration
	MapSplits    int
	ReduceSplits int
}

// RunMaster starts a master process, serves its RPC and bucket endpoints,
// waits for WaitSlaves slaves to register, then runs the built-in
// word-count program over Files (SPEC_FULL.md §6.1 "--mrs master").
func RunMaster(opts MasterOptions) int {
	addr := fmt.Sprintf("http://localhost:%d", opts.Port)
	m := master.NewMaster(opts.TmpDir, addr)

	mux := http.NewServeMux()
	mux.Handle("/rpc/", m.Handler())
	mux.Handle("/bucket/", m.BucketHandler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", opts.Port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.LogJSON("ERROR", "master http server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	defer srv.Close()

	stop := make(chan struct{})
	go m.Run(stop)
	defer close(stop)

	waitForSlaves(m, opts.WaitSlaves, opts.WaitTimeout)

	d := driver.New(m)
	return d.Run(WordCount(opts.Files, splitsOr(opts.MapSplits, 1), splitsOr(opts.ReduceSplits, 1)))
}

func waitForSlaves(m *master.Master, want int, timeout time.Duration) {
	if want <= 0 {
		return
	}
	deadline := time.Now().Add(timeout)
	for m.SlaveCount() < want && time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
	}
}

func splitsOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// SlaveOptions configures RunSlave.
type SlaveOptions struct {
	Port      int
	MasterURL string
	TmpDir    string
	Capacity  int
}

// RunSlave registers with the master and serves assign/bucket traffic on
// Port until the process is killed (SPEC_FULL.md §6.1 "--mrs slave").
func RunSlave(opts SlaveOptions) int {
	endpoint := fmt.Sprintf("http://localhost:%d", opts.Port)
	sl := slave.New(opts.MasterURL, endpoint, opts.Capacity, opts.TmpDir, userfunc.BuiltinRegistry())

	mux := http.NewServeMux()
	mux.Handle("/rpc/", sl.Handler())
	mux.Handle("/bucket/", sl.BucketHandler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", opts.Port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.LogJSON("ERROR", "slave http server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	sl.Start(context.Background())
	return 0
}

// SerialOptions configures RunSerial.
type SerialOptions struct {
	TmpDir       string
	Files        []string
	MapSplits    int
	ReduceSplits int
}

// RunSerial runs the built-in program against one master and one slave in
// this process, talking over loopback HTTP on ephemeral ports — a single
// OS process and no external network, the practical reading of "in-process
// scheduler and a single in-process slave" the master/slave RPC transport
// admits without a second, parallel non-HTTP transport (SPEC_FULL.md §6.1
// "--mrs serial", decision recorded in DESIGN.md).
func RunSerial(opts SerialOptions) int {
	masterPort := freePort()
	slavePort := freePort()

	masterDone := make(chan int, 1)
	go func() {
		masterDone <- RunMaster(MasterOptions{
			Port: masterPort, TmpDir: opts.TmpDir, Files: opts.Files,
			WaitSlaves: 1, WaitTimeout: 10 * time.Second,
			MapSplits: opts.MapSplits, ReduceSplits: opts.ReduceSplits,
		})
	}()

	go RunSlave(SlaveOptions{
		Port: slavePort, MasterURL: fmt.Sprintf("http://localhost:%d", masterPort),
		TmpDir: opts.TmpDir, Capacity: 1,
	})

	return <-masterDone
}

func freePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// RunBypass runs the built-in mapper and reducer directly over the input
// files with no task/scheduling machinery at all — the "single-process
// bypass executor" of SPEC_FULL.md §1, minimally realized per §6.1
// "--mrs bypass" as a debugging/smoke-test mode.
func RunBypass(files []string) int {
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "launcher: bypass mode needs at least one input file")
		return 1
	}
	reg := userfunc.BuiltinRegistry()
	mapper, _ := reg.Mapper("wc_map")
	reducer, _ := reg.Reducer("wc_reduce")

	grouped := map[string][][]byte{}
	var order []string
	emit := func(k, v []byte) {
		ks := string(k)
		if _, ok := grouped[ks]; !ok {
			order = append(order, ks)
		}
		grouped[ks] = append(grouped[ks], append([]byte(nil), v...))
	}

	for fi, path := range files {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "launcher: %v\n", err)
			return 1
		}
		scanner := bufio.NewScanner(f)
		tctx := userfunc.NewTaskContext(0, fi, 1)
		for i := 0; scanner.Scan(); i++ {
			key := []byte(strconv.Itoa(i))
			if err := mapper(tctx, key, scanner.Bytes(), emit); err != nil {
				f.Close()
				fmt.Fprintf(os.Stderr, "launcher: mapper: %v\n", err)
				return 1
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "launcher: %v\n", err)
			return 1
		}
	}

	tctx := userfunc.NewTaskContext(0, 0, 1)
	var out []string
	final := func(k, v []byte) { out = append(out, fmt.Sprintf("%s\t%s", k, v)) }
	for _, ks := range order {
		if err := reducer(tctx, []byte(ks), userfunc.NewSliceValues(grouped[ks]), final); err != nil {
			fmt.Fprintf(os.Stderr, "launcher: reducer: %v\n", err)
			return 1
		}
	}
	fmt.Println(strings.Join(out, "\n"))
	return 0
}
