// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Command slicedb operates on a local slicedb database:
// bulk-import a slice, export tables back to a slice
// file, or run one sync cycle against a remote endpoint.
//
// Usage:
//
//	slicedb [-db file] [-v] import <url>
//	slicedb [-db file] [-v] export <file> [table ...]
//	slicedb [-db file] [-v] [-c config.yaml] [-token tok] sync
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/slicedb/ingest"
	"github.com/SnellerInc/slicedb/platform"
	"github.com/SnellerInc/slicedb/sqlite"
	"github.com/SnellerInc/slicedb/syncer"
)

var (
	dashv    bool
	dbpath   string
	cfgpath  string
	token    string
	endpoint string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.StringVar(&dbpath, "db", "slicedb.db", "database file")
	flag.StringVar(&cfgpath, "c", "", "sync configuration file (yaml)")
	flag.StringVar(&token, "token", "", "bearer token for sync (default: SLICEDB_TOKEN)")
	flag.StringVar(&endpoint, "endpoint", "", "pull endpoint URL (overrides config file)")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if dashv {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
	}
}

func opendb() *sqlite.Local {
	db, err := sqlite.Open(dbpath)
	if err != nil {
		exitf("%s\n", err)
	}
	db.Logf = logf
	return db
}

// entry point for 'slicedb import <url>'
func runImport(url string) {
	db := opendb()
	defer db.Close()
	env := platform.Default()
	im := &ingest.Importer{
		DB:         db,
		Downloader: env.Downloader,
		Memory:     env.Memory,
		Logf:       logf,
	}
	errc := make(chan error, 1)
	if err := im.Start(url, func(err error) { errc <- err }); err != nil {
		exitf("%s\n", err)
	}
	if err := <-errc; err != nil {
		exitf("import failed: %s\n", err)
	}
	fmt.Printf("imported %d rows\n", im.TotalRows())
}

// entry point for 'slicedb export <file> [tables...]'
func runExport(path string, tables []string) {
	db := opendb()
	defer db.Close()
	f, err := os.Create(path)
	if err != nil {
		exitf("%s\n", err)
	}
	if err := ingest.Export(db, f, tables...); err != nil {
		f.Close()
		os.Remove(path)
		exitf("export failed: %s\n", err)
	}
	if err := f.Close(); err != nil {
		exitf("%s\n", err)
	}
	logf("exported to %s", path)
}

// syncConfig builds the engine configuration JSON from the
// -c file and command-line overrides.
func syncConfig() string {
	cfg := map[string]interface{}{
		"connectionTag": 1,
	}
	if cfgpath != "" {
		buf, err := os.ReadFile(cfgpath)
		if err != nil {
			exitf("%s\n", err)
		}
		jsonBuf, err := yaml.YAMLToJSON(buf)
		if err != nil {
			exitf("%s: %s\n", cfgpath, err)
		}
		if err := json.Unmarshal(jsonBuf, &cfg); err != nil {
			exitf("%s: %s\n", cfgpath, err)
		}
	}
	if endpoint != "" {
		cfg["pullEndpointUrl"] = endpoint
	}
	if _, ok := cfg["connectionTag"]; !ok {
		cfg["connectionTag"] = 1
	}
	buf, err := json.Marshal(cfg)
	if err != nil {
		exitf("%s\n", err)
	}
	return string(buf)
}

// entry point for 'slicedb sync'
func runSync() {
	db := opendb()
	defer db.Close()
	e := &syncer.Engine{
		Transport: platform.Default().Transport,
		DB:        db,
		Logf:      logf,
	}
	if dashv {
		e.Subscribe(func(ev string) { fmt.Fprintln(os.Stderr, ev) })
	}
	if err := e.Configure(syncConfig()); err != nil {
		exitf("%s\n", err)
	}
	if token == "" {
		token = os.Getenv("SLICEDB_TOKEN")
	}
	if token != "" {
		e.SetAuthToken(token)
	}
	// a CLI run has no outbound mutation queue
	e.SetPushProvider(func(done func(bool, string)) { done(true, "") })
	type result struct {
		ok  bool
		msg string
	}
	resc := make(chan result, 1)
	e.StartWithCompletion("manual", func(ok bool, msg string) {
		resc <- result{ok, msg}
	})
	res := <-resc
	if !res.ok {
		exitf("sync failed: %s\n", res.msg)
	}
	fmt.Println("sync complete")
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		exitf("usage: slicedb [flags] import|export|sync ...\n")
	}
	switch args[0] {
	case "import":
		if len(args) != 2 {
			exitf("usage: slicedb import <url>\n")
		}
		runImport(args[1])
	case "export":
		if len(args) < 2 {
			exitf("usage: slicedb export <file> [table ...]\n")
		}
		runExport(args[1], args[2:])
	case "sync":
		runSync()
	default:
		exitf("unknown command %q\n", args[0])
	}
}
