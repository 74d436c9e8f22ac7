package domain

// GadgetRelease 一次解析得到的 gadget 发布版本
// 解析完成后不可变；每次 pipeline 运行至多解析一次
type GadgetRelease struct {
	Version   string                  // 语义化版本号，如 "16.6.8"
	AssetURLs map[Architecture]string // 各架构的下载地址
}

// URLFor 返回指定架构的下载地址
func (r *GadgetRelease) URLFor(arch Architecture) (string, bool) {
	url, ok := r.AssetURLs[arch]
	return url, ok
}

// CachedArtifact 缓存中的一个 gadget 二进制
// 首次下载成功后创建，创建后不可变
type CachedArtifact struct {
	Version string
	Arch    Architecture
	Path    string // 本地 .so 路径
	Size    int64
	SHA256  string // 完整性标记，命中时必须与磁盘内容一致
}

// InjectionPlan 注入计划
// 针对一个 (反编译目录, 架构) 组合计算一次，由 rebuild 前的 Apply 精确消费一次
type InjectionPlan struct {
	PackageName    string   // 目标应用包名
	EntryClass     string   // 注入目标类（最早被外部调用的稳定入口点）
	EntrySmaliPath string   // 入口类对应的 smali 文件
	AddPermissions []string // 需要补充的 manifest 权限（与已声明集合求并后的差集）
	NativeLibPath  string   // gadget 在重打包产物内的相对路径（lib/<abi>/libfrida-gadget.so）
	Consumed       bool     // Apply 置位，防止同一计划被重复消费
}
