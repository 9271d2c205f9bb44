package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

func writeHeapProfile(path string) {
	if path == "" {
		return
	}

	f, err := os.Create(path)
	xcheckf(err, "creating memory profile")
	defer func() {
		err := f.Close()
		if err != nil {
			log.Printf("closing memory profile: %v", err)
		}
	}()
	runtime.GC()
	err = pprof.WriteHeapProfile(f)
	xcheckf(err, "writing memory profile")
}

// profile starts a cpu profile if cpupath is set. The returned function stops
// it and writes a heap profile if mempath is set. Commands ending with os.Exit,
// like serve, don't get their profiles written.
func profile(cpupath, mempath string) func() {
	if cpupath == "" {
		return func() {
			writeHeapProfile(mempath)
		}
	}

	f, err := os.Create(cpupath)
	xcheckf(err, "creating cpu profile")
	err = pprof.StartCPUProfile(f)
	xcheckf(err, "starting cpu profile")
	return func() {
		pprof.StopCPUProfile()
		err := f.Close()
		if err != nil {
			log.Printf("closing cpu profile: %v", err)
		}
		writeHeapProfile(mempath)
	}
}

func traceExecution(path string) func() {
	f, err := os.Create(path)
	xcheckf(err, "creating trace file")
	err = trace.Start(f)
	xcheckf(err, "starting trace")
	return func() {
		trace.Stop()
		err := f.Close()
		xcheckf(err, "closing trace file")
	}
}
