package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wwwzy/DeskAgent/internal/monitor"
	"github.com/wwwzy/DeskAgent/internal/storage"

	"github.com/spf13/cobra"
)

// startCmd 代表 start 命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 DeskAgent 后台维护服务",
	Long: `启动 DeskAgent 后台维护服务。
这将初始化数据库，并开始轮次指标落库、留存清理与过期会话状态清扫。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 2. 初始化存储
		fmt.Println("正在初始化存储...")
		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("打开存储失败: %w", err)
		}
		defer store.Close()

		// 3. 初始化监控管理器
		fmt.Println("正在初始化监控管理器...")
		mgr, err := monitor.NewManager(cfg.Monitor)
		if err != nil {
			return fmt.Errorf("创建监控管理器失败: %w", err)
		}

		// 4. 初始化并注入采集器
		turns, err := monitor.NewTurnCollector(store, cfg.Monitor.Turns)
		if err != nil {
			return fmt.Errorf("创建轮次采集器失败: %w", err)
		}

		ret, err := monitor.NewRetentionCollector(store, cfg.Monitor.Retention)
		if err != nil {
			return fmt.Errorf("创建留存清理器失败: %w", err)
		}

		sweeper, err := monitor.NewStateSweeper(store, cfg.Monitor.Sweeper)
		if err != nil {
			return fmt.Errorf("创建状态清扫器失败: %w", err)
		}

		// 流式接口挂载采集器
		mgr.WithTurns(turns).WithRetention(ret).WithSweeper(sweeper)

		// 5. 启动管理器
		fmt.Println("正在启动维护服务...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("启动管理器失败: %w", err)
		}

		// 6. 等待信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		fmt.Println("DeskAgent 已启动。按 Ctrl+C 停止。")

		select {
		case sig := <-sigChan:
			fmt.Printf("收到信号: %s, 正在关闭...\n", sig)
		case <-ctx.Done():
			fmt.Println("上下文已取消, 正在关闭...")
		}

		// 7. 优雅停止
		mgr.Stop()
		if err := mgr.Wait(); err != nil {
			return fmt.Errorf("管理器停止时发生错误: %w", err)
		}

		fmt.Println("关闭完成。")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
