package manager

import "github.com/any-hub/img-hub/internal/downloader"

// Option 是单次 LoadImage 的行为位掩码。
type Option uint32

const (
	// OptionRetryFailed 忽略失败黑名单，强制重试。
	OptionRetryFailed Option = 1 << iota
	// OptionLowPriority 下载任务排到队尾。
	OptionLowPriority
	// OptionCacheMemoryOnly 下载结果只进内存层，不落盘。
	OptionCacheMemoryOnly
	// OptionProgressiveLoad 传输过程中投递部分解码结果。
	OptionProgressiveLoad
	// OptionRefreshCached 缓存命中作为预览投递（finished=false），
	// 仍然发起网络请求刷新。
	OptionRefreshCached
	// OptionContinueInBackground 请求系统后台任务包装。
	OptionContinueInBackground
	// OptionHandleCookies 允许 HTTP 请求处理 Cookie。
	OptionHandleCookies
	// OptionAllowInvalidSSLCertificates 跳过 TLS 证书校验，仅供诊断。
	OptionAllowInvalidSSLCertificates
	// OptionHighPriority 下载任务插到队头。
	OptionHighPriority
	// OptionAvoidAutoSetImage 由调用方自行安装图片，核心不关心，
	// 保留位供 UI 集成层读取。
	OptionAvoidAutoSetImage
)

// Has 判断某个选项位是否被置位。
func (o Option) Has(flag Option) bool {
	return o&flag != 0
}

// downloaderOptions 把 Manager 选项一一映射为下载器选项。
func (o Option) downloaderOptions() downloader.Options {
	var out downloader.Options
	if o.Has(OptionLowPriority) {
		out |= downloader.OptionLowPriority
	}
	if o.Has(OptionProgressiveLoad) {
		out |= downloader.OptionProgressiveDownload
	}
	if o.Has(OptionContinueInBackground) {
		out |= downloader.OptionContinueInBackground
	}
	if o.Has(OptionHandleCookies) {
		out |= downloader.OptionHandleCookies
	}
	if o.Has(OptionAllowInvalidSSLCertificates) {
		out |= downloader.OptionAllowInvalidSSLCertificates
	}
	if o.Has(OptionHighPriority) {
		out |= downloader.OptionHighPriority
	}
	return out
}
