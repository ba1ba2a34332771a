// Command members maintains the project membership table read by the gateway
// when MEMBERSHIP_BACKEND=table.
//
//	members add <user> <project> [role]
//	members remove <user> <project>
//	members list <user>
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"realtime-gateway/config"
	"realtime-gateway/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	table := os.Getenv("MEMBERS_TABLE")
	if table == "" {
		table = "members"
	}
	if connStr == "" {
		log.Fatal("STORAGE_CONNECTION_STRING must be set")
	}
	store, err := storage.New(connStr, table, "")
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Provision(ctx); err != nil {
		log.Fatalf("provision: %v", err)
	}

	var evict func(userID string)
	if opts := (config.Config{RedisConnectionString: os.Getenv("REDIS_CONNECTION_STRING")}).RedisOptions(); opts != nil {
		rc := redis.NewClient(opts)
		defer rc.Close()
		cache := storage.NewCache(store, rc, 0)
		evict = func(userID string) { cache.Evict(ctx, userID) }
	}

	if err := run(ctx, store, evict, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// memberStore is the table surface the command drives.
type memberStore interface {
	storage.Membership
	AddMember(ctx context.Context, userID, projectID, role string) error
	RemoveMember(ctx context.Context, userID, projectID string) error
}

func run(ctx context.Context, store memberStore, evict func(string), args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: members add|remove|list <user> [project] [role]")
	}
	cmd, userID := args[0], args[1]
	switch cmd {
	case "add", "remove":
		if len(args) < 3 {
			return fmt.Errorf("%s needs a project id", cmd)
		}
		var err error
		if cmd == "add" {
			role := "member"
			if len(args) > 3 {
				role = args[3]
			}
			err = store.AddMember(ctx, userID, args[2], role)
		} else {
			err = store.RemoveMember(ctx, userID, args[2])
		}
		if err != nil {
			return fmt.Errorf("%s member: %w", cmd, err)
		}
		if evict != nil {
			evict(userID)
		}
		log.WithFields(log.Fields{"user": userID, "project": args[2], "op": cmd}).Info("membership updated")
		return nil
	case "list":
		ids, err := store.ProjectIDs(ctx, userID)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		fmt.Println(strings.Join(ids, "\n"))
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}
