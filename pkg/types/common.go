// pkg/types/common.go
package types

import (
	"crypto/md5"
	"encoding/base64"
)

// ContentHash 是 Blob 内容的不透明摘要 (Azure 的 Content-MD5, base64 编码)
// 只用于相等比较，不做任何解析。
type ContentHash string

func (h ContentHash) String() string { return string(h) }
func (h ContentHash) IsZero() bool   { return h == "" }

// HashFromMD5 把原始 MD5 字节转成 ContentHash
func HashFromMD5(sum []byte) ContentHash {
	if len(sum) == 0 {
		return ""
	}
	return ContentHash(base64.StdEncoding.EncodeToString(sum))
}

// MD5 解码回原始字节，非法编码返回 nil
func (h ContentHash) MD5() []byte {
	if h.IsZero() {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(string(h))
	if err != nil {
		return nil
	}
	return b
}

// CalculateContentHash 计算一段数据的 ContentHash (测试和磁盘后端使用)
func CalculateContentHash(data []byte) ContentHash {
	sum := md5.Sum(data)
	return HashFromMD5(sum[:])
}

// AccessPolicy 是容器创建时的公共访问级别
type AccessPolicy string

const (
	AccessPrivate   AccessPolicy = "private"
	AccessBlob      AccessPolicy = "blob"      // 公开只读 Blob，不可列举容器
	AccessContainer AccessPolicy = "container" // 公开容器 + Blob
)

func (a AccessPolicy) IsValid() bool {
	switch a {
	case AccessPrivate, AccessBlob, AccessContainer:
		return true
	}
	return false
}

// Container 是一个命名的 Blob 分组
type Container struct {
	Name   string
	Access AccessPolicy
}

// ContentSettings 是写入目标时需要保留的内容属性
type ContentSettings struct {
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	ContentMD5         ContentHash
}

// BlobMeta 由 (Container, Name) 唯一标识
// ContentLength 只用于进度条估算，相等性只看 ContentHash
type BlobMeta struct {
	Container     string
	Name          string
	ContentLength int64
	ContentHash   ContentHash
	Settings      ContentSettings
}

// ExistsResult 是目标端的存在性查询结果
// 三态: 不存在 / 存在且有 hash / 存在但没有可比较的 hash
type ExistsResult struct {
	Exists      bool
	ContentHash ContentHash
}

func (r ExistsResult) HasHash() bool { return r.Exists && !r.ContentHash.IsZero() }

// Absent 是不存在的结果
func Absent() ExistsResult { return ExistsResult{} }

// Present 是存在的结果
func Present(hash ContentHash) ExistsResult {
	return ExistsResult{Exists: true, ContentHash: hash}
}
