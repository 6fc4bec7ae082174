// Package config loads netident's YAML configuration, applies defaults and
// validates it. `netident config sample` prints the annotated example
// embedded from sample.yaml.
package config
