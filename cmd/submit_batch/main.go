package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"mirror-trader/config"
	"mirror-trader/gateway"
	"mirror-trader/internal/container"
	"mirror-trader/order"
)

// batchFile 批次文件格式
type batchFile struct {
	Mode        string         `yaml:"mode"`
	ConfirmLive bool           `yaml:"confirmLive"`
	Intents     []order.Intent `yaml:"intents"`
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	batchPath := flag.String("batch", "", "批次 YAML 文件")
	confirmLive := flag.Bool("confirmLive", false, "确认提交到实盘账户")
	noLedger := flag.Bool("noLedger", false, "不写批次台账（守护进程占用台账文件时使用）")
	flag.Parse()

	if *batchPath == "" {
		log.Fatalf("必须指定 -batch")
	}
	raw, err := os.ReadFile(*batchPath)
	if err != nil {
		log.Fatalf("读取批次文件失败: %v", err)
	}
	var bf batchFile
	if err := yaml.Unmarshal(raw, &bf); err != nil {
		log.Fatalf("解析批次文件失败: %v", err)
	}
	mode, err := gateway.ParseAccountMode(bf.Mode)
	if err != nil {
		log.Fatalf("%v", err)
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *noLedger {
		cfg.Ledger.Path = ""
	}
	c := container.NewWithConfig(cfg, "")
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer c.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := c.Submitter().Submit(ctx, bf.Intents, order.SubmitOptions{
		Mode:        mode,
		ConfirmLive: bf.ConfirmLive || *confirmLive,
	})
	var verr *gateway.ValidationError
	if errors.As(err, &verr) {
		log.Printf("批次校验失败: %v", verr)
		c.Stop()
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if err != nil {
		log.Printf("批次未完成: %v", err)
	}
	if err != nil || !res.FullySucceeded() {
		c.Stop()
		os.Exit(1)
	}
}
