// Command mrs is the unified launcher for the distributed execution
// engine: it implements the `--mrs {master,slave,serial,bypass}` CLI
// surface of SPEC_FULL.md §6/§6.1, dispatching to internal/launcher. This
// is the direct descendant of the teacher's separate cmd/master and
// cmd/worker binaries, merged behind one entrypoint plus the two debug
// modes (serial, bypass) the teacher never had.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"mrs/internal/launcher"
	"mrs/internal/utils"
)

func main() {
	mode := flag.String("mrs", "", "execution mode: master|slave|serial|bypass")
	masterURL := flag.String("mrs-master", "http://localhost:8080", "master base URL (slave mode)")
	port := flag.Int("mrs-port", 8080, "HTTP port to listen on")
	tmpdir := flag.String("mrs-tmpdir", os.TempDir(), "scratch directory root")
	waitSlaves := flag.Int("mrs-timing-slaves", 0, "slaves to wait for before running the job (master mode)")
	capacity := flag.Int("capacity", 1, "concurrent task capacity (slave mode)")
	mapSplits := flag.Int("map-splits", 1, "map dataset split count")
	reduceSplits := flag.Int("reduce-splits", 1, "reduce dataset split count")
	flag.Parse()

	files := flag.Args()

	switch *mode {
	case "master":
		os.Exit(launcher.RunMaster(launcher.MasterOptions{
			Port: *port, TmpDir: *tmpdir, Files: files,
			WaitSlaves: *waitSlaves, WaitTimeout: 30 * time.Second,
			MapSplits: *mapSplits, ReduceSplits: *reduceSplits,
		}))
	case "slave":
		os.Exit(launcher.RunSlave(launcher.SlaveOptions{
			Port: *port, MasterURL: *masterURL, TmpDir: *tmpdir, Capacity: *capacity,
		}))
	case "serial":
		os.Exit(launcher.RunSerial(launcher.SerialOptions{
			TmpDir: *tmpdir, Files: files, MapSplits: *mapSplits, ReduceSplits: *reduceSplits,
		}))
	case "bypass":
		os.Exit(launcher.RunBypass(files))
	default:
		fmt.Fprintln(os.Stderr, "usage: mrs --mrs {master|slave|serial|bypass} [flags] [files...]")
		utils.LogJSON("ERROR", "unrecognized or missing --mrs mode", map[string]interface{}{"mode": *mode})
		os.Exit(2)
	}
}
