// Command slave is the worker process: it registers with a master, serves
// task assignments and buckets over HTTP, and sends heartbeats until
// killed. This is the direct descendant of the teacher's cmd/worker,
// rebuilt on the capacity-bounded internal/slave executor.
package main

import (
	"flag"
	"os"

	"mrs/internal/launcher"
	"mrs/internal/utils"
)

func main() {
	port := flag.Int("port", 9001, "HTTP port to listen on")
	masterURL := flag.String("master", utils.GetEnv("MASTER_URL", "http://localhost:8080"), "master base URL")
	tmpdir := flag.String("tmpdir", utils.GetEnv("MRS_TMPDIR", os.TempDir()), "scratch directory root")
	capacity := flag.Int("capacity", 1, "concurrent task capacity")
	flag.Parse()

	os.Exit(launcher.RunSlave(launcher.SlaveOptions{
		Port:      *port,
		MasterURL: *masterURL,
		TmpDir:    *tmpdir,
		Capacity:  *capacity,
	}))
}
