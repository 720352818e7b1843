// Command createadmin provisions an admin user and, optionally, its Telegram binding.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/config"
	"github.com/oobauth/server/internal/db"
	"github.com/oobauth/server/internal/model"
	"github.com/oobauth/server/internal/repo"
)

type options struct {
	username     string
	password     string
	superuser    bool
	telegram     bool
	chatID       string
	botToken     string
	tgUsername   string
	noConfirm    bool
	maxFailed    int
	noAutoBlock  bool
	updateExists bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("createadmin", flag.ContinueOnError)
	fs.StringVar(&o.username, "username", "", "admin username (required)")
	fs.StringVar(&o.password, "password", os.Getenv("ADMIN_PASSWORD"), "admin password (defaults to $ADMIN_PASSWORD)")
	fs.BoolVar(&o.superuser, "superuser", false, "grant superuser rights")
	fs.BoolVar(&o.telegram, "telegram", false, "enable Telegram login confirmation")
	fs.StringVar(&o.chatID, "chat-id", "", "Telegram chat id that receives confirmation requests")
	fs.StringVar(&o.botToken, "bot-token", "", "per-user bot token (defaults to TELEGRAM_BOT_TOKEN)")
	fs.StringVar(&o.tgUsername, "telegram-username", "", "Telegram username, informational")
	fs.BoolVar(&o.noConfirm, "no-confirm", false, "do not require confirmation for this user")
	fs.IntVar(&o.maxFailed, "max-failed", 3, "failed password attempts before the device is blocked")
	fs.BoolVar(&o.noAutoBlock, "no-auto-block", false, "do not block devices after repeated failures")
	fs.BoolVar(&o.updateExists, "update-profile", false, "only update the security profile of an existing user")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	o.username = strings.TrimSpace(o.username)
	if o.username == "" {
		return o, errors.New("-username is required")
	}
	if !o.updateExists && o.password == "" {
		return o, errors.New("-password or ADMIN_PASSWORD is required")
	}
	if o.telegram && strings.TrimSpace(o.chatID) == "" {
		return o, errors.New("-chat-id is required with -telegram")
	}
	if o.maxFailed < 1 {
		return o, errors.New("-max-failed must be at least 1")
	}
	return o, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (o options) profile(userID uuid.UUID) model.SecurityProfile {
	return model.SecurityProfile{
		UserID:              userID,
		TelegramEnabled:     o.telegram,
		BotToken:            optional(o.botToken),
		ChatID:              optional(o.chatID),
		TelegramUsername:    optional(o.tgUsername),
		RequireConfirmation: !o.noConfirm,
		AutoBlockSuspicious: !o.noAutoBlock,
		MaxFailedAttempts:   o.maxFailed,
	}
}

func run(ctx context.Context, o options, users repo.UserRepo, profiles repo.ProfileRepo) (model.User, error) {
	var user model.User
	if o.updateExists {
		existing, err := users.GetByUsername(ctx, o.username)
		if err != nil {
			return model.User{}, fmt.Errorf("load user %q: %w", o.username, err)
		}
		user = existing
	} else {
		hash, err := auth.HashPassword(o.password)
		if err != nil {
			return model.User{}, err
		}
		user, err = users.Create(ctx, o.username, hash, o.superuser)
		if err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return model.User{}, fmt.Errorf("user %q already exists (use -update-profile)", o.username)
			}
			return model.User{}, fmt.Errorf("create user: %w", err)
		}
	}

	if _, err := profiles.Upsert(ctx, o.profile(user.ID)); err != nil {
		return model.User{}, fmt.Errorf("save security profile: %w", err)
	}
	return user, nil
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	o, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("createadmin: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	user, err := run(ctx, o, repo.NewUserRepo(database), repo.NewProfileRepo(database))
	if err != nil {
		log.Fatalf("createadmin: %v", err)
	}
	log.Printf("Admin %s ready (id=%s, telegram=%t)", user.Username, user.ID, o.telegram)
}
