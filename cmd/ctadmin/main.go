// Command ctadmin is the offline maintenance tool. It works directly on the
// configured store and records every change in the audit log as "ctadmin".
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"cycletime/internal/config"
	"cycletime/internal/docstore"
	"cycletime/internal/models"
	"cycletime/internal/service"
)

const actor = "ctadmin"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: ctadmin <command> [flags]

commands:
  list-users                 print every account and its role
  reset-users -confirm       replace all accounts with the default admin
  purge -before YYYY-MM-DD   delete records dated on or before the cutoff
  backup                     write a records snapshot to BACKUP_DIR
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	backend, closeStore, err := docstore.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()
	svc := service.New(cfg, backend, nil)

	if err := run(ctx, svc, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "ctadmin:", err)
		closeStore()
		os.Exit(1)
	}
}

func run(ctx context.Context, svc *service.Service, cmd string, args []string) error {
	switch cmd {
	case "list-users":
		users, err := svc.Users().List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USERNAME\tROLE\tFULL NAME\tCREATED")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.Username, u.Role, u.FullName, u.CreatedAt.Format("2006-01-02"))
		}
		return tw.Flush()

	case "reset-users":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		confirm := fs.Bool("confirm", false, "really delete every account except the default admin")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if !*confirm {
			return fmt.Errorf("reset-users removes every account; rerun with -confirm")
		}
		backup, err := svc.ResetUsers(ctx, actor)
		if err != nil {
			return err
		}
		fmt.Printf("users reset to %q; previous accounts saved as %s\n", svc.Users().DefaultAdmin(), backup)
		return nil

	case "purge":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		before := fs.String("before", "", "cutoff date, YYYY-MM-DD (inclusive)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		cutoff, err := models.ParseDate(*before)
		if err != nil {
			return err
		}
		n, err := svc.Records().PurgeOlderThan(ctx, actor, cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d records dated on or before %s\n", n, cutoff)
		return nil

	case "backup":
		path, err := svc.BackupAs(ctx, actor)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}
