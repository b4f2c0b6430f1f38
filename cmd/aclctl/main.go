// ABOUTME: Entry point for the aclctl inspection CLI
// ABOUTME: Initializes the ACL schema and prints hydrated ACLs for a given object
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/stdr"
	"github.com/joho/godotenv"

	"github.com/harperreed/aclgo/acl"
	"github.com/harperreed/aclgo/db"
	"github.com/harperreed/aclgo/oid"
	"github.com/harperreed/aclgo/provider"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	dbPath := flag.String("db-path", "", "Database path (default: ./aclgo.db, or $ACLGO_DB_PATH)")
	initOnly := flag.Bool("init", false, "Initialize the schema and exit")
	verbose := flag.Bool("v", false, "Enable verbose (audit) logging")
	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("aclctl version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 && !*initOnly {
		printUsage()
		os.Exit(0)
	}

	// .env is optional config; a missing file is not an error.
	_ = godotenv.Load()

	finalDBPath := getDatabasePath(*dbPath)
	database, err := db.OpenDatabase(finalDBPath, db.TableNames{})
	if err != nil {
		log.Fatalf("failed to open database at %s: %v", finalDBPath, err)
	}
	defer database.Close()

	if *initOnly {
		log.Printf("schema initialized at %s", finalDBPath)
		os.Exit(0)
	}

	logLevel := 0
	if *verbose {
		logLevel = 1
	}
	stdr.SetVerbosity(logLevel)
	logger := stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags), stdr.Options{LogCaller: stdr.None})

	sink := &stdoutSink{}
	opts := provider.Options{AuditSink: sink}
	p := provider.New(database, nil, opts, logger)

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "show-acl":
		if err := showAclCommand(p, commandArgs); err != nil {
			log.Fatalf("show-acl: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// stdoutSink prints every audit event to stdout as it happens. show-acl
// itself makes no permission check, so it produces no audit events.
type stdoutSink struct{}

func (stdoutSink) Audit(e provider.Event) {
	outcome := "DENY"
	if e.Granting {
		outcome = "GRANT"
	}
	fmt.Printf("audit[%s]: %s sid=%s mask=%d\n", e.ID, outcome, e.Ace.Sid(), e.Ace.Mask())
}

// showAclCommand resolves <type> <identifier> and prints its ACL tree.
// It never mutates anything: no create/update/delete subcommand is
// exposed here by design, since a policy-authoring surface is out of
// scope for this tool.
func showAclCommand(p *provider.Provider, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: aclctl show-acl <type> <identifier>")
	}
	o := oid.New(args[0], args[1])

	a, err := p.FindAcl(context.Background(), o, nil)
	if err != nil {
		return err
	}

	printAcl(a, 0)
	return nil
}

func printAcl(a *acl.ACL, depth int) {
	indent := strings.Repeat("  ", depth)
	id, hasID := a.ID()
	fmt.Printf("%sACL %s (id=%d hasID=%v) entriesInheriting=%v\n", indent, a.ObjectIdentity(), id, hasID, a.IsEntriesInheriting())

	printAceList(indent, "class", a.ClassAceList())
	printAceList(indent, "object", a.ObjectAceList())
	for _, field := range a.ClassFieldNames() {
		printAceList(indent, "classField:"+field, a.ClassFieldAceList(field))
	}
	for _, field := range a.ObjectFieldNames() {
		printAceList(indent, "objectField:"+field, a.ObjectFieldAceList(field))
	}

	if parent := a.ParentAcl(); parent != nil {
		fmt.Printf("%sparent:\n", indent)
		printAcl(parent, depth+1)
	}
}

func printAceList(indent, label string, entries []*acl.Entry) {
	if len(entries) == 0 {
		return
	}
	fmt.Printf("%s%s aces:\n", indent, label)
	for i, e := range entries {
		grant := "deny"
		if e.Granting() {
			grant = "grant"
		}
		fmt.Printf("%s  [%d] sid=%s mask=%d %s match=%s audit(success=%v,failure=%v)\n",
			indent, i, e.Sid(), e.Mask(), grant, e.Match(), e.AuditSuccess(), e.AuditFailure())
	}
}

func getDatabasePath(dbPath string) string {
	if dbPath != "" {
		return dbPath
	}
	if envPath := os.Getenv("ACLGO_DB_PATH"); envPath != "" {
		return envPath
	}
	return filepath.Join(".", "aclgo.db")
}

func printUsage() {
	fmt.Printf(`aclctl v%s - ACL inspection tool

USAGE:
  aclctl [global flags] <command> [args]

GLOBAL FLAGS:
  --version              Show version and exit
  --db-path <path>       Database path (default: ./aclgo.db, or $ACLGO_DB_PATH)
  --init                 Initialize the schema and exit
  -v                     Enable verbose audit logging

COMMANDS:
  show-acl <type> <id>   Print the hydrated ACL tree for an object identity
`, version)
}
