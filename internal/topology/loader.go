// Пакет topology - загрузка снимка топологии пулов из YAML и
// отслеживание изменений файла.
package topology

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

var validate = validator.New()

// Load читает и проверяет снимок топологии из файла.
func Load(path string) (*model.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение топологии %s: %w", path, err)
	}
	t, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Decode разбирает YAML-снимок. Неизвестные поля считаются ошибкой.
func Decode(r io.Reader) (*model.Topology, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var t model.Topology
	if err := dec.Decode(&t); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("пустой снимок топологии")
		}
		return nil, fmt.Errorf("разбор YAML: %w", err)
	}
	if err := Validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate проверяет поля снимка и ссылки между пулами, группами и
// storage units.
func Validate(t *model.Topology) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("некорректный снимок топологии: %w", err)
	}

	pools := make(map[string]bool, len(t.Pools))
	for _, p := range t.Pools {
		if pools[p.Name] {
			return fmt.Errorf("пул %q объявлен повторно", p.Name)
		}
		pools[p.Name] = true
	}

	groups := make(map[string]bool, len(t.PoolGroups))
	for _, g := range t.PoolGroups {
		if groups[g.Name] {
			return fmt.Errorf("группа %q объявлена повторно", g.Name)
		}
		groups[g.Name] = true
		for _, p := range g.Pools {
			if !pools[p] {
				return fmt.Errorf("группа %q ссылается на неизвестный пул %q", g.Name, p)
			}
		}
	}

	units := make(map[string]bool, len(t.StorageUnits))
	for _, u := range t.StorageUnits {
		if units[u.Name] {
			return fmt.Errorf("storage unit %q объявлен повторно", u.Name)
		}
		units[u.Name] = true
		for _, g := range u.PoolGroups {
			if !groups[g] {
				return fmt.Errorf("storage unit %q ссылается на неизвестную группу %q", u.Name, g)
			}
		}
	}
	return nil
}
