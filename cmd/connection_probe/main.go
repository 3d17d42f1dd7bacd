package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"mirror-trader/config"
	"mirror-trader/gateway"
	"mirror-trader/internal/risk"
)

type probeReport struct {
	Key     string                 `json:"key"`
	Result  risk.HealthCheckResult `json:"result"`
	Status  risk.BreakerStatus     `json:"status"`
	Account *gateway.AccountInfo   `json:"account,omitempty"`
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	modeFlag := flag.String("mode", "", "只探测 paper 或 live，留空探测全部已配置账户")
	count := flag.Int("count", 1, "每个账户探测次数")
	timeout := flag.Duration("timeout", 10*time.Second, "单次探测超时")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	client, err := gateway.NewBrokerageClient(gateway.BrokerageConfig{
		Accounts:      cfg.Accounts(),
		Policy:        cfg.RetryPolicy(),
		RatePerSecond: cfg.Brokerage.RatePerSecond,
		Burst:         cfg.Brokerage.Burst,
	})
	if err != nil {
		log.Fatalf("初始化经纪商客户端失败: %v", err)
	}

	modes := client.Modes()
	if *modeFlag != "" {
		m, err := gateway.ParseAccountMode(*modeFlag)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if _, ok := client.Credentials(m); !ok {
			log.Fatalf("账户 %s 未配置", m)
		}
		modes = []gateway.AccountMode{m}
	}

	reg := risk.NewRegistry(cfg.BreakerConfig())
	mon := risk.NewConnectionMonitor(reg, risk.MonitorConfig{Timeout: *timeout})
	mon.AddProbe(risk.DependencyBrokerage, client, modes...)

	ctx := context.Background()
	unhealthy := false
	reports := make([]probeReport, 0, len(modes))
	for _, key := range mon.Keys() {
		var res risk.HealthCheckResult
		for i := 0; i < *count; i++ {
			res = mon.RunHealthCheck(ctx, key)
		}
		rep := probeReport{Key: key.String(), Result: res, Status: reg.Status(key)}
		if res.Healthy {
			actx, cancel := context.WithTimeout(ctx, *timeout)
			if info, err := client.Account(actx, key.Mode); err == nil {
				rep.Account = &info
			}
			cancel()
		} else {
			unhealthy = true
		}
		reports = append(reports, rep)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		log.Fatalf("输出失败: %v", err)
	}
	if unhealthy {
		fmt.Fprintln(os.Stderr, "存在不健康的连接")
		os.Exit(1)
	}
}
