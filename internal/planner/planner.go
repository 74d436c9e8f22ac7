package planner

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	gadgetLibName  = "libfrida-gadget.so"
	gadgetLoadName = "frida-gadget" // System.loadLibrary 参数，无 lib 前缀和 .so 后缀
)

// gadgetPermissions gadget 运行的最小权限集合
var gadgetPermissions = []string{
	"android.permission.INTERNET",
}

// manifestDoc apktool 解码后的 AndroidManifest.xml（只读解析用）
type manifestDoc struct {
	XMLName     xml.Name         `xml:"manifest"`
	Package     string           `xml:"package,attr"`
	Permissions []usesPermission `xml:"uses-permission"`
	Application manifestApp      `xml:"application"`
}

type usesPermission struct {
	Name string `xml:"http://schemas.android.com/apk/res/android name,attr"`
}

type manifestApp struct {
	Name       string             `xml:"http://schemas.android.com/apk/res/android name,attr"`
	Activities []manifestActivity `xml:"activity"`
}

type manifestActivity struct {
	Name    string         `xml:"http://schemas.android.com/apk/res/android name,attr"`
	Filters []intentFilter `xml:"intent-filter"`
}

type intentFilter struct {
	Actions    []namedElem `xml:"action"`
	Categories []namedElem `xml:"category"`
}

type namedElem struct {
	Name string `xml:"http://schemas.android.com/apk/res/android name,attr"`
}

// Planner 基于反编译产物和目标架构计算注入计划
type Planner struct {
	logger *logrus.Logger
}

// NewPlanner 创建注入规划器
func NewPlanner(logger *logrus.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan 为 (反编译目录, 架构) 计算一次注入计划
// 入口点取应用最早被外部调用的稳定位置：自定义 Application 类优先于 launcher activity，
// 保证 gadget 在任何应用层完整性/反调试检查之前激活
func (p *Planner) Plan(dir string, arch domain.Architecture) (*domain.InjectionPlan, error) {
	if !arch.Valid() {
		return nil, domain.NewPipelineError(domain.FailureUnsupportedTarget, "",
			fmt.Errorf("no library directory exists for architecture %q", arch))
	}

	doc, err := parseManifest(filepath.Join(dir, "AndroidManifest.xml"))
	if err != nil {
		return nil, domain.NewPipelineError(domain.FailureUnsupportedTarget, "",
			fmt.Errorf("cannot read decompiled manifest: %w", err))
	}

	entryClass := p.entryClass(doc)
	if entryClass == "" {
		return nil, domain.NewPipelineError(domain.FailureUnsupportedTarget, "",
			fmt.Errorf("no recognizable entry point in %s", doc.Package))
	}

	smaliPath, err := findSmali(dir, entryClass)
	if err != nil {
		return nil, domain.NewPipelineError(domain.FailureUnsupportedTarget, "",
			fmt.Errorf("entry class %s: %w", entryClass, err))
	}

	// 权限为集合：所需权限与已声明集合求并，只补差集，绝不产生重复条目
	declared := make(map[string]bool, len(doc.Permissions))
	for _, perm := range doc.Permissions {
		declared[perm.Name] = true
	}
	var additions []string
	for _, perm := range gadgetPermissions {
		if !declared[perm] {
			additions = append(additions, perm)
		}
	}

	plan := &domain.InjectionPlan{
		PackageName:    doc.Package,
		EntryClass:     entryClass,
		EntrySmaliPath: smaliPath,
		AddPermissions: additions,
		NativeLibPath:  filepath.Join("lib", arch.ABIDir(), gadgetLibName),
	}

	p.logger.WithFields(logrus.Fields{
		"package":     plan.PackageName,
		"entry_class": plan.EntryClass,
		"smali":       plan.EntrySmaliPath,
		"permissions": plan.AddPermissions,
		"lib_path":    plan.NativeLibPath,
	}).Info("Injection plan computed")

	return plan, nil
}

// Apply 消费注入计划：splice loadLibrary、补 manifest 权限、放置 gadget 二进制
// 每个计划恰好被消费一次
func (p *Planner) Apply(dir string, plan *domain.InjectionPlan, gadgetPath string) error {
	if plan.Consumed {
		return fmt.Errorf("injection plan for %s already consumed", plan.PackageName)
	}
	plan.Consumed = true

	if err := injectLoadLibrary(plan.EntrySmaliPath); err != nil {
		return domain.NewPipelineError(domain.FailureUnsupportedTarget, "",
			fmt.Errorf("smali injection failed: %w", err))
	}

	if err := addPermissions(filepath.Join(dir, "AndroidManifest.xml"), plan.AddPermissions); err != nil {
		return domain.NewPipelineError(domain.FailureUnsupportedTarget, "",
			fmt.Errorf("manifest mutation failed: %w", err))
	}

	dest := filepath.Join(dir, plan.NativeLibPath)
	if err := copyFile(gadgetPath, dest); err != nil {
		return fmt.Errorf("failed to place gadget library: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"entry_class": plan.EntryClass,
		"gadget":      dest,
	}).Info("Injection plan applied")
	return nil
}

// entryClass 选择注入目标类
func (p *Planner) entryClass(doc *manifestDoc) string {
	if doc.Application.Name != "" {
		return resolveClassName(doc.Package, doc.Application.Name)
	}

	for _, activity := range doc.Application.Activities {
		for _, filter := range activity.Filters {
			if isLauncherFilter(filter) {
				return resolveClassName(doc.Package, activity.Name)
			}
		}
	}
	return ""
}

func isLauncherFilter(filter intentFilter) bool {
	hasMain, hasLauncher := false, false
	for _, action := range filter.Actions {
		if action.Name == "android.intent.action.MAIN" {
			hasMain = true
		}
	}
	for _, category := range filter.Categories {
		if category.Name == "android.intent.category.LAUNCHER" {
			hasLauncher = true
		}
	}
	return hasMain && hasLauncher
}

// resolveClassName 解析 manifest 中的相对类名
func resolveClassName(pkg, name string) string {
	switch {
	case strings.HasPrefix(name, "."):
		return pkg + name
	case !strings.Contains(name, "."):
		return pkg + "." + name
	default:
		return name
	}
}

func parseManifest(path string) (*manifestDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc manifestDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	if doc.Package == "" {
		return nil, fmt.Errorf("manifest has no package attribute")
	}
	return &doc, nil
}

// findSmali 在 smali、smali_classes2.. 目录中定位类文件
func findSmali(dir, class string) (string, error) {
	rel := strings.ReplaceAll(class, ".", string(filepath.Separator)) + ".smali"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "smali") {
			continue
		}
		candidate := filepath.Join(dir, entry.Name(), rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("smali file not found in any smali directory")
}

const loadLibraryPayload = "    const-string v0, \"" + gadgetLoadName + "\"\n\n" +
	"    invoke-static {v0}, Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V\n"

const clinitBlock = "\n.method static constructor <clinit>()V\n" +
	"    .locals 1\n\n" +
	loadLibraryPayload +
	"\n    return-void\n" +
	".end method\n"

// injectLoadLibrary 将 loadLibrary 调用 splice 进入口类的静态构造器
// <clinit> 在类首次被 VM 加载时执行，先于应用的任何实例代码
func injectLoadLibrary(smaliPath string) error {
	data, err := os.ReadFile(smaliPath)
	if err != nil {
		return err
	}
	content := string(data)

	if strings.Contains(content, gadgetLoadName) {
		// 已注入过（比如重放同一 scratch 目录），保持幂等
		return nil
	}

	idx := strings.Index(content, ".method static constructor <clinit>()V")
	if idx < 0 {
		// 无静态构造器：追加一个
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += clinitBlock
		return os.WriteFile(smaliPath, []byte(content), 0o644)
	}

	end := strings.Index(content[idx:], ".end method")
	if end < 0 {
		return fmt.Errorf("unterminated <clinit> in %s", smaliPath)
	}
	body := content[idx : idx+end]

	patched, err := spliceIntoClinit(body)
	if err != nil {
		return fmt.Errorf("%w in %s", err, smaliPath)
	}

	content = content[:idx] + patched + content[idx+end:]
	return os.WriteFile(smaliPath, []byte(content), 0o644)
}

// spliceIntoClinit 在已有 <clinit> 体内的寄存器声明之后插入载荷
// 载荷使用 v0，寄存器数不足时提升 .locals / .registers
func spliceIntoClinit(body string) (string, error) {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, ".locals ") {
			count, err := strconv.Atoi(strings.TrimPrefix(trimmed, ".locals "))
			if err != nil {
				return "", fmt.Errorf("unparsable .locals directive")
			}
			if count < 1 {
				lines[i] = "    .locals 1"
			}
			head := strings.Join(lines[:i+1], "\n")
			tail := strings.Join(lines[i+1:], "\n")
			return head + "\n\n" + loadLibraryPayload + tail, nil
		}

		if strings.HasPrefix(trimmed, ".registers ") {
			count, err := strconv.Atoi(strings.TrimPrefix(trimmed, ".registers "))
			if err != nil {
				return "", fmt.Errorf("unparsable .registers directive")
			}
			// <clinit> 无参数，.registers 与 .locals 同义
			if count < 1 {
				lines[i] = "    .registers 1"
			}
			head := strings.Join(lines[:i+1], "\n")
			tail := strings.Join(lines[i+1:], "\n")
			return head + "\n\n" + loadLibraryPayload + tail, nil
		}
	}

	// 无寄存器声明：紧随方法签名行插入
	head := lines[0]
	tail := strings.Join(lines[1:], "\n")
	return head + "\n    .locals 1\n\n" + loadLibraryPayload + tail, nil
}

// addPermissions 在 manifest 中追加缺失的权限声明
// 文本级编辑，保持 apktool 产物的其余部分逐字节不变
func addPermissions(manifestPath string, permissions []string) error {
	if len(permissions) == 0 {
		return nil
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	content := string(data)

	closeIdx := strings.LastIndex(content, "</manifest>")
	if closeIdx < 0 {
		return fmt.Errorf("manifest has no closing tag")
	}

	var block strings.Builder
	for _, perm := range permissions {
		decl := fmt.Sprintf("<uses-permission android:name=%q/>", perm)
		if strings.Contains(content, decl) {
			continue
		}
		block.WriteString("    ")
		block.WriteString(decl)
		block.WriteString("\n")
	}

	content = content[:closeIdx] + block.String() + content[closeIdx:]
	return os.WriteFile(manifestPath, []byte(content), 0o644)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
