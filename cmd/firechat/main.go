package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"firechat"
	"firechat/internal/config"
	"firechat/store"
	"firechat/store/memstore"
	"firechat/store/wsstore"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var st store.Store
	switch {
	case cfg.ServerURL != "":
		client, err := wsstore.Dial(ctx, cfg.ServerURL, log)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		st = client
	case cfg.DBFile != "":
		local, err := memstore.Open(cfg.DBFile)
		if err != nil {
			return err
		}
		defer func() { _ = local.Close() }()
		st = local
	default:
		st = memstore.New()
	}

	session := firechat.New(ctx, st, firechat.NewStaticAuth(cfg.UserID, cfg.UserName), firechat.Options{
		NumMaxMessages: cfg.MaxMsgs,
		Logger:         log,
	})
	defer session.Close()

	session.On(firechat.EventMessageAdd, func(payload any) {
		ev := payload.(firechat.MessageEvent)
		fmt.Printf("[%s] %s: %s\n", ev.RoomID, ev.Message.Name, ev.Message.Message)
	})
	session.On(firechat.EventRoomEnter, func(payload any) {
		ev := payload.(firechat.RoomEvent)
		log.Info("entered room", "room_id", ev.ID, "name", ev.Name)
	})
	session.On(firechat.EventNotification, func(payload any) {
		n := payload.(firechat.Notification)
		log.Info("notification", "type", n.NotificationType, "from", n.FromUserID)
	})

	if err := session.Authenticate(ctx); err != nil {
		return err
	}

	resumed, err := session.ResumeSession(ctx)
	if err != nil {
		return err
	}
	log.Info("session resumed", "rooms", len(resumed))

	roomID := cfg.Room
	rooms, err := session.GetRoomList(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, r := range rooms {
		if r.Name == cfg.Room {
			roomID = r.ID
			found = true
			break
		}
	}
	if !found {
		roomID, err = session.CreateRoom(ctx, cfg.Room, firechat.RoomTypePublic)
		if err != nil {
			return err
		}
	} else if err := session.EnterRoom(ctx, roomID); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				continue
			}
			if _, err := session.SendMessage(gCtx, roomID, text, ""); err != nil {
				log.Error("send failed", "error", err)
			}
		}
		return scanner.Err()
	})

	g.Go(func() error {
		<-gCtx.Done()
		return session.LeaveRoom(context.Background(), roomID)
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("firechat error", "error", err)
		os.Exit(1)
	}
}
