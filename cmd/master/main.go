// Command master is the coordinator process: it registers slaves,
// schedules tasks, monitors cluster health, and runs the job driver's
// built-in program against the files given on the command line. This is
// the direct descendant of the teacher's cmd/master, rebuilt on the
// job-scoped Master/Job/driver split (internal/master, internal/driver)
// instead of a single disk-persisted state file.
package main

import (
	"flag"
	"os"
	"time"

	"mrs/internal/launcher"
	"mrs/internal/utils"
)

func main() {
	port := flag.Int("port", 8080, "HTTP port to listen on")
	tmpdir := flag.String("tmpdir", utils.GetEnv("MRS_TMPDIR", os.TempDir()), "scratch directory root")
	waitSlaves := flag.Int("wait-slaves", 0, "slaves to wait for before running the job")
	flag.Parse()

	os.Exit(launcher.RunMaster(launcher.MasterOptions{
		Port:         *port,
		TmpDir:       *tmpdir,
		Files:        flag.Args(),
		WaitSlaves:   *waitSlaves,
		WaitTimeout:  30 * time.Second,
		MapSplits:    1,
		ReduceSplits: 1,
	}))
}
