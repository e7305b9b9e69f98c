package manager

import "github.com/any-hub/img-hub/internal/cache"

// ContextKey 标识请求上下文里的一个条目。
type ContextKey string

// 核心识别的上下文键；未识别的键原样透传给协作方。
const (
	// CtxOperationKey 调用方定义的分组键（UI 层按视图去重用）。
	CtxOperationKey ContextKey = "operation_key"
	// CtxCustomManager UI 扩展层指定替代 Manager。
	CtxCustomManager ContextKey = "custom_manager"
	// CtxImageTransformer 下载后的变换插件，核心透传。
	CtxImageTransformer ContextKey = "image_transformer"
	// CtxImageDecoder 本次请求的解码器覆盖，核心透传。
	CtxImageDecoder ContextKey = "image_decoder"
	// CtxCacheKeyFilter func(url string) string，覆盖默认键推导。
	CtxCacheKeyFilter ContextKey = "cache_key_filter"
	// CtxStoreCacheType cache.Type，覆盖下载结果的写入目标。
	CtxStoreCacheType ContextKey = "store_cache_type"
	// CtxQueryCacheType cache.Type，仅识别 TypeNone（跳过缓存查询直接
	// 下载）；其他值都按 内存 → 磁盘 完整查询，不限定到单一层。
	CtxQueryCacheType ContextKey = "query_cache_type"
)

// Context 是开放的键值表，随请求流经核心与协作方。
type Context map[ContextKey]any

// cacheKeyFilter 取出键推导覆盖函数，没有则返回 nil。
func (c Context) cacheKeyFilter() func(string) string {
	if c == nil {
		return nil
	}
	if fn, ok := c[CtxCacheKeyFilter].(func(string) string); ok {
		return fn
	}
	return nil
}

// storeCacheType 取出写入目标覆盖，fallback 为调用方给定的默认值。
func (c Context) storeCacheType(fallback cache.Type) cache.Type {
	if c == nil {
		return fallback
	}
	if t, ok := c[CtxStoreCacheType].(cache.Type); ok {
		return t
	}
	return fallback
}

// queryCacheType 取出查询范围覆盖。
func (c Context) queryCacheType(fallback cache.Type) cache.Type {
	if c == nil {
		return fallback
	}
	if t, ok := c[CtxQueryCacheType].(cache.Type); ok {
		return t
	}
	return fallback
}
