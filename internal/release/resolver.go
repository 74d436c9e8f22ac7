package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/mret-tools/apk-patcher-go/internal/retry"
	"github.com/sirupsen/logrus"
)

// gadgetAssetName 发布资产文件名，如 frida-gadget-16.6.8-android-arm64.so.xz
func gadgetAssetName(version string, arch domain.Architecture) string {
	return fmt.Sprintf("frida-gadget-%s-%s.so.xz", version, arch.GadgetSuffix())
}

// feedResponse 发布源响应（GitHub releases API 形状）
type feedResponse struct {
	TagName string      `json:"tag_name"`
	Assets  []feedAsset `json:"assets"`
}

type feedAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Resolver 查询外部发布源，解析最新 gadget 版本及各架构下载地址
type Resolver struct {
	feedURL    string
	httpClient *http.Client
	retryCfg   *retry.Config
	logger     *logrus.Logger
}

// NewResolver 创建发布解析器
func NewResolver(feedURL string, timeout time.Duration, logger *logrus.Logger) *Resolver {
	return &Resolver{
		feedURL: feedURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryCfg: retry.DefaultConfig(logger),
		logger:   logger,
	}
}

// Resolve 查询发布源一次（允许一次瞬时网络重试），返回不可变的 GadgetRelease
// 任一架构条目缺失即为 parse 失败，绝不降级为部分发布
func (r *Resolver) Resolve(ctx context.Context) (*domain.GadgetRelease, error) {
	r.logger.WithField("feed_url", r.feedURL).Info("Resolving latest gadget release")

	rel, err := retry.DoWithResult(ctx, r.retryCfg, r.fetch)
	if err != nil {
		var pe *domain.PipelineError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, domain.NewPipelineError(domain.FailureNetwork, "", err)
	}

	r.logger.WithFields(logrus.Fields{
		"version": rel.Version,
		"assets":  len(rel.AssetURLs),
	}).Info("Gadget release resolved")

	return rel, nil
}

func (r *Resolver) fetch(ctx context.Context) (*domain.GadgetRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("release feed unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, retry.Transient(fmt.Errorf("release feed returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release feed returned %d", resp.StatusCode)
	}

	var feed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, domain.NewPipelineError(domain.FailureParse, "",
			fmt.Errorf("malformed release feed response: %w", err))
	}

	version := strings.TrimPrefix(strings.TrimSpace(feed.TagName), "v")
	if version == "" {
		return nil, domain.NewPipelineError(domain.FailureParse, "",
			errors.New("release feed response has no tag_name"))
	}

	byName := make(map[string]string, len(feed.Assets))
	for _, asset := range feed.Assets {
		byName[asset.Name] = asset.BrowserDownloadURL
	}

	urls := make(map[domain.Architecture]string, len(domain.AllArchitectures()))
	var missing []string
	for _, arch := range domain.AllArchitectures() {
		name := gadgetAssetName(version, arch)
		url, ok := byName[name]
		if !ok || url == "" {
			missing = append(missing, name)
			continue
		}
		urls[arch] = url
	}

	if len(missing) > 0 {
		return nil, domain.NewPipelineError(domain.FailureParse, "",
			fmt.Errorf("release %s is missing architecture assets: %s", version, strings.Join(missing, ", ")))
	}

	return &domain.GadgetRelease{
		Version:   version,
		AssetURLs: urls,
	}, nil
}
