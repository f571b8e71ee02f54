package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/DeskAgent/internal/dispatch"
	"github.com/wwwzy/DeskAgent/internal/engine"
	"github.com/wwwzy/DeskAgent/internal/guardian"
	"github.com/wwwzy/DeskAgent/internal/registry"
	"github.com/wwwzy/DeskAgent/internal/state"
	"github.com/wwwzy/DeskAgent/internal/storage"
	"github.com/wwwzy/DeskAgent/internal/truth"
	"github.com/wwwzy/DeskAgent/internal/tui"
	"github.com/wwwzy/DeskAgent/internal/turnctx"
	"github.com/wwwzy/DeskAgent/internal/ui"
	"github.com/wwwzy/DeskAgent/internal/understand"
)

var (
	chatUI       string
	chatOrg      string
	chatConv     string
	chatSender   string
	chatShowTrce bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式对话模式",
	Long: `进入一个本地对话界面，用自然语言管理任务、目标与消息。
需要执行操作时，引擎会先经过安全门裁决，必要时向你确认。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("打开存储失败: %w", err)
		}
		defer store.Close()

		// 本地会话的发送者必须是已知人员
		if err := store.UpsertPerson(ctx, &storage.Person{
			OrgID:       chatOrg,
			PersonID:    chatSender,
			DisplayName: chatSender,
			Role:        "member",
			Source:      "primary",
			ObservedAt:  time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("注册本地发送者失败: %w", err)
		}

		eng, err := buildEngine(store, nil)
		if err != nil {
			return err
		}

		session := ui.Session{OrgID: chatOrg, ConversationID: chatConv, SenderID: chatSender}
		opts := ui.ChatOptions{ShowTrace: chatShowTrce}

		var uiImpl ui.ChatUI
		switch chatUI {
		case "console", "":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		case "tui":
			uiImpl = &tui.ChatUI{}
		default:
			return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", chatUI)
		}

		return uiImpl.Run(ctx, eng, session, opts)
	},
}

// buildEngine 组装完整的决策链路。metrics 可为 nil（chat 模式不观测）。
func buildEngine(store *storage.Storage, metrics engine.MetricSink) (*engine.Engine, error) {
	reg, err := registry.Builtin(store)
	if err != nil {
		return nil, fmt.Errorf("构建工具目录失败: %w", err)
	}

	builder, err := turnctx.NewBuilder(store, truth.NewResolver(truth.DefaultConfig()), cfg.Context)
	if err != nil {
		return nil, fmt.Errorf("构建上下文组装器失败: %w", err)
	}

	states, err := state.NewManager(store, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("构建状态管理器失败: %w", err)
	}

	cm, err := understand.NewChatModel(context.Background(), cfg.Understand)
	if err != nil {
		return nil, fmt.Errorf("构建模型客户端失败: %w", err)
	}
	um, err := understand.NewModule(cm, cfg.Understand)
	if err != nil {
		return nil, fmt.Errorf("构建理解模块失败: %w", err)
	}

	guard, err := guardian.NewGuardian(reg, cfg.Guardian)
	if err != nil {
		return nil, fmt.Errorf("构建安全门失败: %w", err)
	}

	disp, err := dispatch.NewDispatcher(reg, store)
	if err != nil {
		return nil, fmt.Errorf("构建执行器失败: %w", err)
	}

	return engine.New(engine.Options{
		Store:      store,
		Builder:    builder,
		States:     states,
		Understand: um,
		Guardian:   guard,
		Dispatcher: disp,
		Registry:   reg,
		Metrics:    metrics,
	})
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUI, "ui", "console", "交互界面类型: console/tui")
	chatCmd.Flags().StringVar(&chatOrg, "org", "local", "组织 ID")
	chatCmd.Flags().StringVar(&chatConv, "conversation", "console", "会话 ID")
	chatCmd.Flags().StringVar(&chatSender, "sender", "local-user", "发送者 ID")
	chatCmd.Flags().BoolVar(&chatShowTrce, "show-trace", false, "每条回复后显示链路 ID")
}
