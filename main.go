package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/version"
)

// 子命令名称。
const (
	commandServe       = "serve"
	commandCheckConfig = "check-config"
	commandVersion     = "version"
	commandInstall     = "install"
	commandActivate    = "activate"
	commandGenerations = "generations"
)

// errHelpShown 表示本次调用只输出了帮助信息。
var errHelpShown = errors.New("help shown")

// cliOptions 汇总 CLI 参数解析后的结果，便于在测试中注入。
type cliOptions struct {
	command     string
	configPath  string
	checkOnly   bool
	showVersion bool
	site        string
	generation  string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, errHelpShown) {
			os.Exit(0)
		}
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion || opts.command == commandVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly || opts.command == commandCheckConfig {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["generations"] = config.GenerationSummary(cfg.Sites)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.command {
	case commandInstall, commandActivate, commandGenerations:
		if err := runSiteCommand(ctx, cfg, opts, logger); err != nil {
			fmt.Fprintf(stdErr, "%s 执行失败: %v\n", opts.command, err)
			return 1
		}
		return 0
	default:
		if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
			fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
			return 1
		}
		return 0
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 未指定子命令时等同于 serve。
func parseCLIFlags(args []string) (cliOptions, error) {
	var (
		opts    cliOptions
		matched bool
	)
	capture := func(command string) func(*cobra.Command, []string) error {
		return func(*cobra.Command, []string) error {
			opts.command = command
			matched = true
			return nil
		}
	}

	root := newRootCommand(&opts, capture)
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(io.Discard)
	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if !matched {
		return cliOptions{}, errHelpShown
	}

	path := os.Getenv("ASSET_HUB_CONFIG")
	if opts.configPath != "" {
		path = opts.configPath
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}

func newRootCommand(opts *cliOptions, capture func(string) func(*cobra.Command, []string) error) *cobra.Command {
	root := &cobra.Command{
		Use:           "asset-hub",
		Short:         "离线静态资源缓存代理",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          capture(commandServe),
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "配置文件路径（默认 ./config.toml，可被 ASSET_HUB_CONFIG 覆盖）")
	root.Flags().BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	serveCmd := &cobra.Command{
		Use:   commandServe,
		Short: "启动 HTTP 服务并安装各站点的缓存代",
		Args:  cobra.NoArgs,
		RunE:  capture(commandServe),
	}
	checkCmd := &cobra.Command{
		Use:   commandCheckConfig,
		Short: "校验配置文件",
		Args:  cobra.NoArgs,
		RunE:  capture(commandCheckConfig),
	}
	versionCmd := &cobra.Command{
		Use:   commandVersion,
		Short: "显示版本信息",
		Args:  cobra.NoArgs,
		RunE:  capture(commandVersion),
	}

	installCmd := &cobra.Command{
		Use:   commandInstall,
		Short: "下载并写入站点的缓存代（不激活）",
		Args:  cobra.NoArgs,
		RunE:  capture(commandInstall),
	}
	installCmd.Flags().StringVar(&opts.site, "site", "", "站点名")
	installCmd.Flags().StringVar(&opts.generation, "generation", "", "缓存代标签（默认使用配置中的 Generation）")
	_ = installCmd.MarkFlagRequired("site")

	activateCmd := &cobra.Command{
		Use:   commandActivate,
		Short: "激活已安装的缓存代并清理其余分区",
		Args:  cobra.NoArgs,
		RunE:  capture(commandActivate),
	}
	activateCmd.Flags().StringVar(&opts.site, "site", "", "站点名")
	activateCmd.Flags().StringVar(&opts.generation, "generation", "", "缓存代标签（默认使用配置中的 Generation）")
	_ = activateCmd.MarkFlagRequired("site")

	generationsCmd := &cobra.Command{
		Use:   commandGenerations,
		Short: "以 JSON 输出站点的缓存代状态",
		Args:  cobra.NoArgs,
		RunE:  capture(commandGenerations),
	}
	generationsCmd.Flags().StringVar(&opts.site, "site", "", "站点名（为空时输出全部站点）")

	root.AddCommand(serveCmd, checkCmd, versionCmd, installCmd, activateCmd, generationsCmd)
	return root
}

func startupFields(cfg *config.Config, configPath string) logrus.Fields {
	fields := logging.BaseFields("startup", configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["generations"] = config.GenerationSummary(cfg.Sites)
	fields["version"] = version.Full()
	return fields
}
