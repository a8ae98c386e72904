// Package scanner turns the macro tables of an external source into
// normalized function bundles.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/ports"
	"github.com/reglet-dev/macro-overlay/values"
)

// Source tables.
const (
	TableFunction        = "tabFunction"
	TableVariant         = "tabMacroKind"
	TableFunctionVariant = "detFunctionMacroKind"
	TableUnit            = "tabUnit"
	TableParameterClass  = "tabParameterClass"
	TableParameter       = "detMacroKindParameterClass"
)

// EnumSeparator splits the optional EnumValues parameter column.
const EnumSeparator = ";"

var requiredTables = []string{TableFunction, TableVariant, TableFunctionVariant, TableParameter}

// Optional parameter columns, read only when the source has them.
var optionalParamColumns = []string{
	"InOut", "Optional", "DefaultValue", "MinValue", "MaxValue",
	"IDUnit", "IDParameterClass", "EnumValues",
}

type paramClass struct {
	name     string
	typeName string
}

type variantKey struct {
	functionID int
	variantID  int
}

// Scanner extracts bundles through a read-only query capability.
// It holds no state between scans.
type Scanner struct {
	query  ports.QueryCapability
	logger *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// New creates a scanner over q.
func New(q ports.QueryCapability, opts ...Option) *Scanner {
	s := &Scanner{query: q, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan reads every function/variant pairing and returns one bundle each.
// Any failure rejects the whole scan with a *entities.ScanError.
func (s *Scanner) Scan(ctx context.Context) ([]values.FunctionBundle, error) {
	present, err := s.tables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range requiredTables {
		if !present[strings.ToLower(t)] {
			return nil, &entities.ScanError{Reason: fmt.Sprintf("required table %s is missing", t)}
		}
	}

	functions, err := s.loadFunctions(ctx)
	if err != nil {
		return nil, err
	}
	pairs, variantNames, err := s.loadVariants(ctx)
	if err != nil {
		return nil, err
	}

	units := map[int]string{}
	if present[strings.ToLower(TableUnit)] {
		if units, err = s.loadUnits(ctx); err != nil {
			return nil, err
		}
	}
	classes := map[int]paramClass{}
	if present[strings.ToLower(TableParameterClass)] {
		if classes, err = s.loadParamClasses(ctx); err != nil {
			return nil, err
		}
	}

	params, err := s.loadParams(ctx, units, classes)
	if err != nil {
		return nil, err
	}

	bundles := make([]values.FunctionBundle, 0, len(pairs))
	for _, pair := range pairs {
		funcName, ok := functions[pair.functionID]
		if !ok || funcName == "" {
			funcName = fmt.Sprintf("Function_%d", pair.functionID)
		}
		variantName := variantNames[pair]
		if variantName == "" {
			variantName = funcName
		}
		bundles = append(bundles, values.NewFunctionBundle(
			pair.functionID,
			pair.variantID,
			funcName,
			variantName,
			params[pair.variantID],
			map[string]any{"tables": []string{TableFunction, TableVariant, TableParameter}},
		))
	}

	s.logger.Debug("overlay scan complete", "bundles", len(bundles))
	return bundles, nil
}

func (s *Scanner) tables(ctx context.Context) (map[string]bool, error) {
	tables, err := s.query.Tables(ctx, "table")
	if err != nil {
		return nil, &entities.ScanError{Reason: "listing tables", Err: err}
	}
	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[strings.ToLower(t.Name)] = true
	}
	return present, nil
}

func (s *Scanner) fetch(ctx context.Context, query string) ([]ports.Row, error) {
	cur, err := s.query.Execute(ctx, query)
	if err != nil {
		return nil, &entities.ScanError{Reason: fmt.Sprintf("executing %q", query), Err: err}
	}
	rows, err := cur.FetchAll()
	if err != nil {
		return nil, &entities.ScanError{Reason: fmt.Sprintf("fetching %q", query), Err: err}
	}
	return rows, nil
}

func (s *Scanner) loadFunctions(ctx context.Context) (map[int]string, error) {
	rows, err := s.fetch(ctx, "SELECT IDFunction, Name FROM "+TableFunction)
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(rows))
	for _, row := range rows {
		id, ok := row.Int("IDFunction")
		if !ok {
			continue
		}
		out[id] = row.String("Name")
	}
	return out, nil
}

func (s *Scanner) loadVariants(ctx context.Context) ([]variantKey, map[variantKey]string, error) {
	rows, err := s.fetch(ctx,
		"SELECT det.IDFunction AS IDFunction, det.IDMacroKind AS IDMacroKind, mk.Name AS MacroKindName "+
			"FROM "+TableFunctionVariant+" det "+
			"INNER JOIN "+TableVariant+" mk ON det.IDMacroKind = mk.IDMacroKind "+
			"ORDER BY det.IDFunction, det.IDMacroKind")
	if err != nil {
		return nil, nil, err
	}
	var pairs []variantKey
	names := make(map[variantKey]string, len(rows))
	for _, row := range rows {
		fid, okF := row.Int("IDFunction")
		vid, okV := row.Int("IDMacroKind")
		if !okF || !okV {
			return nil, nil, &entities.ScanError{Reason: fmt.Sprintf("mapping row has invalid ids: %v", map[string]any(row))}
		}
		key := variantKey{functionID: fid, variantID: vid}
		if _, seen := names[key]; !seen {
			pairs = append(pairs, key)
		}
		names[key] = row.String("MacroKindName")
	}
	return pairs, names, nil
}

func (s *Scanner) loadUnits(ctx context.Context) (map[int]string, error) {
	rows, err := s.fetch(ctx, "SELECT IDUnit, Name FROM "+TableUnit)
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(rows))
	for _, row := range rows {
		id, ok := row.Int("IDUnit")
		if !ok {
			continue
		}
		out[id] = row.String("Name")
	}
	return out, nil
}

func (s *Scanner) loadParamClasses(ctx context.Context) (map[int]paramClass, error) {
	rows, err := s.fetch(ctx, "SELECT IDParameterClass, Name, TypeName FROM "+TableParameterClass)
	if err != nil {
		return nil, err
	}
	out := make(map[int]paramClass, len(rows))
	for _, row := range rows {
		id, ok := row.Int("IDParameterClass")
		if !ok {
			continue
		}
		name := row.String("Name")
		typeName := row.String("TypeName")
		if typeName == "" {
			typeName = name
		}
		if name == "" {
			name = fmt.Sprintf("Class_%d", id)
		}
		if typeName == "" {
			typeName = "STR"
		}
		out[id] = paramClass{name: name, typeName: typeName}
	}
	return out, nil
}

// loadParams groups parameter rows by variant id, enforcing that positions are
// positive, unique and strictly increasing in the order the rows arrive.
func (s *Scanner) loadParams(
	ctx context.Context,
	units map[int]string,
	classes map[int]paramClass,
) (map[int][]values.ParameterSpec, error) {
	cols, err := s.query.Columns(ctx, TableParameter)
	if err != nil {
		return nil, &entities.ScanError{Reason: "listing parameter columns", Err: err}
	}
	selected := []string{"IDMacroKind", "Position", "Name"}
	for _, c := range optionalParamColumns {
		if ports.HasColumn(cols, c) {
			selected = append(selected, c)
		}
	}

	rows, err := s.fetch(ctx, "SELECT "+strings.Join(selected, ", ")+
		" FROM "+TableParameter+" ORDER BY IDMacroKind, Position")
	if err != nil {
		return nil, err
	}

	out := make(map[int][]values.ParameterSpec)
	// Positions start at 1; a variant with no rows yet has last position 0.
	last := make(map[int]int)
	for _, row := range rows {
		variantID, ok := row.Int("IDMacroKind")
		if !ok {
			return nil, &entities.ScanError{Reason: fmt.Sprintf("parameter row has invalid IDMacroKind: %v", map[string]any(row))}
		}
		position, ok := row.Int("Position")
		if !ok {
			return nil, &entities.ScanError{Reason: fmt.Sprintf("parameter row of variant %d has invalid Position", variantID)}
		}
		if prev := last[variantID]; position <= prev {
			return nil, &entities.ScanError{Reason: fmt.Sprintf(
				"invalid parameter ordering for variant %d: position %d after %d, positions must be unique and increasing",
				variantID, position, prev)}
		}
		last[variantID] = position

		out[variantID] = append(out[variantID], buildParam(row, position, units, classes))
	}
	return out, nil
}

func buildParam(row ports.Row, position int, units map[int]string, classes map[int]paramClass) values.ParameterSpec {
	spec := values.ParameterSpec{
		Position: position,
		Name:     row.String("Name"),
		InOut:    row.String("InOut"),
		Optional: row.Bool("Optional"),
		Default:  row.String("DefaultValue"),
		Min:      row.String("MinValue"),
		Max:      row.String("MaxValue"),
		Type:     "STR",
	}
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("Param_%d", position)
	}
	if spec.InOut == "" {
		spec.InOut = "input"
	}
	if unitID, ok := row.Int("IDUnit"); ok {
		spec.UnitID = &unitID
		spec.UnitName = units[unitID]
	}
	if classID, ok := row.Int("IDParameterClass"); ok {
		spec.ParameterClassID = &classID
		if class, found := classes[classID]; found {
			spec.ParameterClassName = class.name
			spec.Type = class.typeName
		}
	}
	if raw := row.String("EnumValues"); raw != "" {
		for _, v := range strings.Split(raw, EnumSeparator) {
			if v = strings.TrimSpace(v); v != "" {
				spec.EnumDomain = append(spec.EnumDomain, v)
			}
		}
	}
	return spec
}
