// Package config re-exports the gateway configuration types for code that
// embeds the handlers without importing internal packages.
package config

import internalconfig "github.com/qwen-gateway/qwen-gateway/internal/config"

type SDKConfig = internalconfig.SDKConfig

type Config = internalconfig.Config

type StreamingConfig = internalconfig.StreamingConfig
type QwenConfig = internalconfig.QwenConfig
type ModelAliasConfig = internalconfig.ModelAliasConfig
