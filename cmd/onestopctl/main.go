// Command onestopctl is a terminal client for the OneStop realtime
// services: it logs in, keeps the notification and conversation stores
// synchronized over the websocket channel, and lets the user chat.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"onestop/alert"
	"onestop/chat"
	"onestop/config"
	"onestop/domain"
	"onestop/notify"
	"onestop/realtime"
	"onestop/rest"
)

func main() {
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	flag.Parse()

	cfg := config.LoadClient()
	api := rest.NewClient(cfg.APIBaseURL, cfg.Token, cfg.RequestTimeout)

	ctx := context.Background()
	selfID := ""
	if *email != "" {
		res, err := api.Login(ctx, *email, *password)
		if err != nil {
			log.Fatalf("login: %v", err)
		}
		selfID = res.User.ID
		fmt.Printf("logged in as %s (%s)\n", res.User.Name, res.User.Role)
	} else if cfg.Token == "" {
		log.Fatal("either -email/-password or ONESTOP_TOKEN is required")
	}

	conn, err := realtime.NewConn(realtime.Options{
		URL:            cfg.WSURL,
		Token:          api.Token(),
		ConnectTimeout: cfg.ConnectTimeout,
		MaxAttempts:    cfg.ReconnectAttempts,
		BaseDelay:      cfg.ReconnectBase,
		MaxDelay:       cfg.ReconnectMax,
		OnState: func(s realtime.State) {
			fmt.Printf("[connection: %s]\n", s)
		},
	})
	if err != nil {
		log.Fatalf("channel: %v", err)
	}
	defer conn.Close()

	notifications := notify.NewStore(api)
	notifications.Attach(conn)
	defer notifications.Detach()

	threads := chat.NewStore(api, selfID)
	threads.PageSize = cfg.MessagePageSize
	threads.Attach(conn)
	defer threads.Detach()

	toasts := alert.NewCenter()
	toasts.OnChange = func() {
		for _, a := range toasts.List() {
			fmt.Printf("[%s] %s: %s\n", a.Severity, a.Title, a.Message)
			toasts.Dismiss(a.ID)
		}
	}
	conn.On(realtime.EventNotificationNew, func(data []byte) {
		var n domain.Notification
		if err := json.Unmarshal(data, &n); err == nil {
			toasts.Push(alert.Alert{Title: n.Title, Message: n.Message})
		}
	})

	printed := 0
	threads.OnChange = func() {
		msgs := threads.Messages()
		for ; printed < len(msgs); printed++ {
			m := msgs[printed]
			who := "them"
			if m.SenderID == selfID {
				who = "you"
			}
			fmt.Printf("%s (%s): %s\n", who, m.Status, m.Body)
		}
		if printed > len(msgs) {
			printed = len(msgs)
		}
	}

	if err := conn.Dial(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := notifications.FetchAll(ctx); err != nil {
		toasts.Push(alert.Alert{Title: "Sync failed", Message: err.Error()})
	}
	if err := threads.ListConversations(ctx); err != nil {
		toasts.Push(alert.Alert{Title: "Sync failed", Message: err.Error()})
	}
	fmt.Printf("%d unread notifications\n", notifications.Unread())

	repl(ctx, api, notifications, threads, selfID, &printed)
}

const replHelp = `commands:
  /users               list users
  /threads             list conversations
  /open <user-id>      open (or create) the conversation with a user
  /notifications       list notifications
  /read <id>           mark one notification read
  /read-all            mark all notifications read
  /del <msg-id> [all]  delete a message (locally, or for everyone with "all")
  /quit                exit
anything else is sent as a message to the open conversation`

func repl(
	ctx context.Context,
	api *rest.Client,
	notifications *notify.Store,
	threads *chat.Store,
	selfID string,
	printed *int,
) {
	fmt.Println(replHelp)
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); scanner.Scan(); fmt.Print("> ") {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/users":
			users, err := api.Users(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, u := range users {
				fmt.Printf("  %s  %s (%s)\n", u.ID, u.Name, u.Role)
			}
		case "/threads":
			for _, t := range threads.Threads() {
				other, _ := t.Other(selfID)
				last := ""
				if t.LastMessage != nil {
					last = t.LastMessage.Body
				}
				fmt.Printf("  %s  with %s: %s\n", t.ID, other.Name, last)
			}
		case "/open":
			if len(fields) < 2 {
				fmt.Println("usage: /open <user-id>")
				continue
			}
			*printed = 0
			if err := threads.OpenWith(ctx, fields[1]); err != nil {
				fmt.Println("error:", err)
			}
		case "/notifications":
			for _, n := range notifications.List() {
				mark := " "
				if !n.Read {
					mark = "*"
				}
				fmt.Printf("  %s %s  %s: %s\n", mark, n.ID, n.Title, n.Message)
			}
		case "/read":
			if len(fields) < 2 {
				fmt.Println("usage: /read <id>")
				continue
			}
			notifications.MarkRead(ctx, fields[1])
		case "/read-all":
			notifications.MarkAllRead(ctx)
		case "/del":
			if len(fields) < 2 {
				fmt.Println("usage: /del <msg-id> [all]")
				continue
			}
			mode := chat.DeleteForMe
			if len(fields) > 2 && fields[2] == "all" {
				mode = chat.DeleteForEveryone
			}
			if err := threads.Delete(ctx, fields[1], mode); err != nil {
				fmt.Println("error:", err)
			}
		default:
			threads.SetTyping(true)
			if _, err := threads.Send(ctx, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}
