package adb

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Client ADB 客户端，管道的设备桥接实现
type Client struct {
	target  string        // 设备地址（如 192.168.2.100:5555），空表示默认设备
	timeout time.Duration // 单条命令超时
	logger  *logrus.Logger
}

// NewClient 创建 ADB 客户端
func NewClient(target string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		target:  target,
		timeout: timeout,
		logger:  logger,
	}
}

func (c *Client) args(rest ...string) []string {
	if c.target == "" {
		return rest
	}
	return append([]string{"-s", c.target}, rest...)
}

func (c *Client) run(ctx context.Context, rest ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "adb", c.args(rest...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("adb %s failed: %w, output: %s", strings.Join(rest, " "), err, string(output))
	}
	return string(output), nil
}

// ListDevices 列出处于 device 状态的设备序列号
func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "adb", "devices")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("adb devices failed: %w, output: %s", err, string(output))
	}

	var devices []string
	for _, line := range strings.Split(string(output), "\n")[1:] {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && fields[1] == "device" {
			devices = append(devices, fields[0])
		}
	}
	return devices, nil
}

// GetProp 读取设备系统属性
func (c *Client) GetProp(ctx context.Context, key string) (string, error) {
	output, err := c.run(ctx, "shell", "getprop", key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Install 安装 APK（-r 覆盖安装）
func (c *Client) Install(ctx context.Context, apkPath string) error {
	c.logger.WithField("apk_path", apkPath).Info("Installing APK")

	output, err := c.run(ctx, "install", "-r", apkPath)
	if err != nil {
		return err
	}
	if !strings.Contains(output, "Success") {
		return fmt.Errorf("install failed: %s", output)
	}

	c.logger.Info("APK installed successfully")
	return nil
}
