// Package plugins hosts the raw file readers. Each subpackage implements
// formats.Plugin for one instrument format and depends only on pkg/domain,
// pkg/formats and the scan splitter; plugins/builtin assembles the default
// registry used by datasets.
package plugins
