package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"studyroom/internal/api"
	"studyroom/internal/config"
	"studyroom/internal/devserver"
	"studyroom/internal/history"
	"studyroom/internal/presence"
	"studyroom/internal/protocol"
	"studyroom/internal/registry"
	"studyroom/internal/room"
	"studyroom/internal/storage"
	"studyroom/internal/timeline"
	"studyroom/internal/transport"
	"studyroom/internal/utils"
)

func main() {
	logger, err := utils.NewLogger()
	if err != nil {
		log.Fatalf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	utils.LoadEnv(logger)

	app := &cli.App{
		Name:  "studyroom",
		Usage: "real-time study room client",
		Commands: []*cli.Command{
			joinCommand(logger),
			stubCommand(logger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal("Command failed", zap.Error(err))
	}
}

func stubCommand(logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "stub",
		Usage: "run the in-memory development backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Usage: "listen port (defaults to STUB_PORT)"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.LoadConfig()
			port := c.String("port")
			if port == "" {
				port = cfg.StubPort
			}

			srv := devserver.NewServer(logger)
			info := srv.Store().CreateRoom("open study hall", "host", 16)
			logger.Info("Stub backend started",
				zap.String("addr", "localhost:"+port),
				zap.Int64("seed_room_id", info.ID),
			)
			return srv.Run(":" + port)
		},
	}
}

func joinCommand(logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "join",
		Usage: "join a room and chat from the terminal",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "room", Usage: "room id (defaults to the saved marker)"},
			&cli.StringFlag{Name: "type", Value: string(protocol.RoomOpen), Usage: "room type: OPEN or GROUP"},
			&cli.StringFlag{Name: "nickname", Usage: "display name (defaults to the auth token)"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.LoadConfig()

			nickname := c.String("nickname")
			if nickname == "" {
				nickname = cfg.AuthToken
			}
			tokens := transport.StaticToken(cfg.AuthToken)

			conn := transport.NewManager(transport.Options{
				URL:                  cfg.WSURL,
				ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
				ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			}, tokens, logger)
			conn.SetOnError(func(err error) {
				fmt.Printf("! connection lost for good: %v\n", err)
			})

			reg := registry.New(conn, logger)
			conn.SetInbound(reg.Dispatch)

			apiClient := api.NewHTTPClient(cfg.APIBaseURL, tokens, logger)
			loader := history.NewLoader(apiClient, logger)

			markers, err := storage.Open(cfg.StateDBPath, logger)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer markers.Close()

			timer := presence.NewCoordinator(func(n presence.Notice) {
				fmt.Printf("* you are now %s (studied %s)\n", strings.ToLower(string(n.Status)), n.Elapsed)
			}, logger)

			ctrl := room.NewController(apiClient, conn, reg, loader, markers, timer, room.Config{
				JoinTimeout:  cfg.JoinTimeout,
				SelfNickname: nickname,
			}, logger)

			roomID := c.Int64("room")
			kind := protocol.RoomKind(strings.ToUpper(c.String("type")))
			if roomID == 0 {
				marker, err := ctrl.SavedMarker()
				if err != nil || marker == nil {
					return fmt.Errorf("no --room given and no saved room to resume")
				}
				roomID = marker.RoomID
				kind = marker.RoomKind
				fmt.Printf("resuming room %d (%s)\n", roomID, kind)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go timer.Run(ctx)

			if err := ctrl.Join(ctx, roomID, kind); err != nil {
				return fmt.Errorf("failed to join room %d: %w", roomID, err)
			}
			fmt.Printf("joined room %d as %s; /help for commands\n", roomID, nickname)

			go renderLoop(ctx, ctrl)

			// Ctrl-C behaves like closing a browser tab: the server-side
			// membership survives and the next run resumes it.
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				ctrl.HandleRefresh()
				fmt.Println("\ndetached; run join again to resume")
				os.Exit(0)
			}()

			return inputLoop(ctx, ctrl, timer)
		},
	}
}

// renderLoop prints timeline entries as the engine reconciles them.
func renderLoop(ctx context.Context, ctrl *room.Controller) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries := ctrl.Engine().Entries()
			for ; printed < len(entries); printed++ {
				printEntry(entries[printed])
			}
		}
	}
}

func printEntry(entry *timeline.Entry) {
	switch entry.Kind {
	case timeline.EntrySystem:
		fmt.Printf("-- %s\n", entry.Event.Body)
	case timeline.EntryQuestion:
		q := entry.Question
		fmt.Printf("[Q#%d %s] %s: %s\n", q.ID, q.Status, q.Asker, q.Body)
	default:
		fmt.Printf("%s: %s\n", entry.Event.Sender, entry.Event.Body)
	}
}

func inputLoop(ctx context.Context, ctrl *room.Controller, timer *presence.Coordinator) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := ctrl.SendTalk(line, ""); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/help":
			fmt.Println("/q <text>            ask a question")
			fmt.Println("/a <qid> <text>      answer a question")
			fmt.Println("/accept <qid> <aid>  accept an answer")
			fmt.Println("/del <id>            delete your message")
			fmt.Println("/toggle              switch studying/resting")
			fmt.Println("/leave               leave the room and exit")

		case "/q":
			if err := ctrl.SendQuestion(strings.TrimSpace(strings.TrimPrefix(line, "/q"))); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}

		case "/a":
			if len(fields) < 3 {
				fmt.Println("usage: /a <qid> <text>")
				continue
			}
			qid, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("usage: /a <qid> <text>")
				continue
			}
			body := strings.TrimSpace(strings.TrimPrefix(line, "/a "+fields[1]))
			if err := ctrl.SendAnswer(qid, body); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}

		case "/accept":
			if len(fields) != 3 {
				fmt.Println("usage: /accept <qid> <aid>")
				continue
			}
			qid, err1 := strconv.ParseInt(fields[1], 10, 64)
			aid, err2 := strconv.ParseInt(fields[2], 10, 64)
			if err1 != nil || err2 != nil {
				fmt.Println("usage: /accept <qid> <aid>")
				continue
			}
			if err := ctrl.AcceptAnswer(ctx, qid, aid); err != nil {
				fmt.Printf("! accept failed: %v\n", err)
			}

		case "/del":
			if len(fields) != 2 {
				fmt.Println("usage: /del <id>")
				continue
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("usage: /del <id>")
				continue
			}
			if err := ctrl.DeleteMessage(ctx, id); err != nil {
				fmt.Printf("! delete failed: %v\n", err)
			}

		case "/toggle":
			timer.Toggle()

		case "/leave":
			report, err := ctrl.Leave(ctx)
			if err != nil {
				return err
			}
			if report != nil {
				fmt.Printf("studied %d minutes this session\n", report.StudyMinutes)
				if report.LeveledUp && report.NewLevel != nil {
					fmt.Printf("leveled up! you are now level %d\n", *report.NewLevel)
				}
			}
			return nil

		default:
			fmt.Printf("unknown command %s; /help for commands\n", fields[0])
		}
	}
	return scanner.Err()
}
