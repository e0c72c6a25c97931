package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/koba/pgobjects/internal/diff"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/wire"
)

// loadSchemaFile reads a class schema from YAML or JSON. A non-empty
// className overrides the one in the file.
func loadSchemaFile(path, className string) (schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.Schema{}, fmt.Errorf("failed to read schema file: %w", err)
	}
	return parseSchema(data, filepath.Ext(path), className)
}

func parseSchema(data []byte, ext, className string) (schema.Schema, error) {
	if ext != ".json" {
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return schema.Schema{}, fmt.Errorf("failed to parse schema YAML: %w", err)
		}
		doc, err := yamlValue(&node)
		if err != nil {
			return schema.Schema{}, fmt.Errorf("failed to convert schema YAML: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return schema.Schema{}, fmt.Errorf("failed to convert schema YAML: %w", err)
		}
	}
	s, err := schema.Unmarshal(className, data)
	if err != nil {
		return schema.Schema{}, fmt.Errorf("failed to parse schema: %w", err)
	}
	if strings.TrimSpace(s.ClassName) == "" {
		return schema.Schema{}, fmt.Errorf("schema has no className")
	}
	return s, nil
}

// yamlValue converts a YAML node keeping mapping key order, which matters
// for compound indexes.
func yamlValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return yamlValue(node.Content[0])
	case yaml.AliasNode:
		return yamlValue(node.Alias)
	case yaml.MappingNode:
		doc := make(wire.Document, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			value, err := yamlValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			doc.Set(node.Content[i].Value, value)
		}
		return doc, nil
	case yaml.SequenceNode:
		list := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			value, err := yamlValue(item)
			if err != nil {
				return nil, err
			}
			list = append(list, value)
		}
		return list, nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// planScript renders the statements creating the class table, its join
// tables and its declared indexes.
func planScript(s schema.Schema) (string, error) {
	normalized := schema.Normalize(s)
	g := generator.NewDDLGenerator(s.ClassName)
	table, err := g.CreateTable(normalized)
	if err != nil {
		return "", err
	}
	statements := []string{table}
	for _, join := range schema.JoinTables(normalized) {
		statements = append(statements, generator.CreateJoinTable(join))
	}
	if s.Indexes != nil {
		indexDiff, err := diff.CompareIndexes(s.ClassName, nil, s.Indexes, normalized.Fields)
		if err != nil {
			return "", err
		}
		statements = append(statements, g.Generate(indexDiff)...)
	}
	return generator.Script(statements), nil
}
