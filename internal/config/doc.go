// Package config 负责加载 sentinel 服务的 JSON 配置，补全默认值并做启动前校验。
// 链节点定义与威胁模式等较长的列表放在单独的 YAML 文件中，由这里给出路径。
package config
