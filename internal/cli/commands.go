package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"saxo-trader/internal/app"
	"saxo-trader/internal/broker"
	"saxo-trader/internal/config"
	"saxo-trader/internal/instrument"
	"saxo-trader/internal/log"
	"saxo-trader/internal/store"
	"saxo-trader/internal/strategy"
)

// env 为子命令共享的运行环境，按需建立券商连接。
type env struct {
	configPath string
	verbose    bool

	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	session *broker.Session
}

func (e *env) load() error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	if e.verbose {
		if logger, err = log.NewLogger(cfg.Logging); err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
	}
	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	e.cfg, e.logger, e.store = cfg, logger, st
	return nil
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

func (e *env) connect(ctx context.Context) (*broker.Session, error) {
	if e.session != nil {
		return e.session, nil
	}
	session, err := app.OpenSession(ctx, e.cfg.Saxo, e.store, e.logger)
	if err != nil {
		return nil, err
	}
	e.session = session
	return session, nil
}

func (e *env) resolver(ctx context.Context) (*instrument.Resolver, error) {
	session, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	return instrument.NewResolver(broker.NewClient(session), e.cfg.Instrument, e.logger), nil
}

// NewRootCmd 创建 saxoctl 根命令。
func NewRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "saxoctl",
		Short:         "Saxo 期权交易服务的运维工具",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return e.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "配置文件路径，默认 configs/config.yaml")
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "输出组件日志")

	root.AddCommand(newTokenCmd(e))
	root.AddCommand(newAccountCmd(e))
	root.AddCommand(newInstrumentCmd(e))
	root.AddCommand(newOptionSpaceCmd(e))
	root.AddCommand(newBulkRootsCmd(e))
	root.AddCommand(newPlansCmd(e))
	return root
}

func newTokenCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "查看或刷新 Saxo 令牌",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "显示当前凭证（已脱敏）",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), session.Snapshot())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "立即用刷新令牌换取新的访问令牌并保存",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := session.Refresh(cmd.Context(), session.AccessToken()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), session.Snapshot())
		},
	})
	return cmd
}

func newAccountCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "解析交易账户并列出全部账户",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			key, err := session.ResolveAccountKey(cmd.Context())
			if err != nil {
				return err
			}
			accounts, err := broker.NewClient(session).ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"account_key": key, "accounts": accounts})
		},
	}
}

func newInstrumentCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "instrument SYMBOL",
		Short: "列出代码的检索结果及期权根数量",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := e.resolver(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := r.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
}

func newOptionSpaceCmd(e *env) *cobra.Command {
	var expiry string
	cmd := &cobra.Command{
		Use:   "option-space SYMBOL",
		Short: "查看代码第一个期权根在指定到期日的期权空间",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := e.resolver(cmd.Context())
			if err != nil {
				return err
			}
			report, err := r.OptionSpace(cmd.Context(), args[0], expiry)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&expiry, "expiry", "", "到期日 YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("expiry")
	return cmd
}

func newBulkRootsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "bulk-roots SYMBOL...",
		Short: "批量检查代码是否存在期权根",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := e.resolver(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r.BulkRoots(cmd.Context(), args))
		},
	}
}

// planCheck 为 plans check 的单行输出。
type planCheck struct {
	Plan       strategy.OptionPlan    `json:"plan"`
	Condition  string                 `json:"condition"`
	Known      bool                   `json:"known"`
	Instrument *instrument.Instrument `json:"instrument,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func newPlansCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "交易计划相关操作",
	}
	var resolve bool
	check := &cobra.Command{
		Use:   "check",
		Short: "校验计划配置，可选地为每个计划解析期权合约",
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := app.BuildPlans(e.cfg.Plans, e.logger)
			if err != nil {
				return err
			}
			var r *instrument.Resolver
			if resolve {
				if r, err = e.resolver(cmd.Context()); err != nil {
					return err
				}
			}

			rows := make([]planCheck, 0, len(plans))
			unknown := 0
			for _, plan := range plans {
				row := planCheck{
					Plan:      plan,
					Condition: plan.Condition.String(),
					Known:     plan.Condition != strategy.ConditionUnknown,
				}
				if !row.Known {
					unknown++
				}
				if r != nil {
					inst, err := r.FindOption(cmd.Context(), plan.Underlying, plan.Expiry, plan.Strike, plan.PutCall)
					if err != nil {
						row.Error = err.Error()
					} else {
						row.Instrument = &inst
					}
				}
				rows = append(rows, row)
			}
			if err := printJSON(cmd.OutOrStdout(), rows); err != nil {
				return err
			}
			if unknown > 0 {
				return fmt.Errorf("%d 个计划的入场条件无法识别", unknown)
			}
			return nil
		},
	}
	check.Flags().BoolVar(&resolve, "resolve", false, "同时向券商解析期权合约")
	cmd.AddCommand(check)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("输出结果失败: %w", err)
	}
	return nil
}

// Execute 运行命令并返回退出码。
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "错误:", strings.TrimSpace(err.Error()))
		return 1
	}
	return 0
}
