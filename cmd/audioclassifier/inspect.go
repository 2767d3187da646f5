package main

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/audioclassifier/pkg/models"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var showParams, showMetrics bool
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint dir>",
		Short: "Show the summary, hyperparameters and metrics of a trained model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			ctx := context.New()
			if _, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done(); err != nil {
				return errors.WithMessagef(err, "failed to load checkpoint %q", dir)
			}
			fmt.Println(titleStyle.Render("Summary"))
			fmt.Println(summaryTable(ctx))
			if showParams {
				fmt.Println(titleStyle.Render("Hyperparameters"))
				fmt.Println(paramsTable(ctx))
			}
			if showMetrics {
				points, err := plots.LoadPointsFromCheckpoint(dir)
				if err != nil {
					return errors.WithMessagef(err, "no metrics found in %q", dir)
				}
				fmt.Println(titleStyle.Render("Metrics"))
				fmt.Println(metricsTable(points))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showParams, "params", false, "list the hyperparameters")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false,
		fmt.Sprintf("list the metrics collected during training, in file %q", plots.TrainingPlotFileName))
	return cmd
}

func summaryTable(ctx *context.Context) string {
	table := newPlainTable()
	table.Row("model", context.GetParamOr(ctx, models.ParamModel, "?"))
	table.Row("id", context.GetParamOr(ctx, models.ParamModelID, "?"))
	table.Row("feature", context.GetParamOr(ctx, models.ParamFeature, "?"))
	table.Row("classes", strings.Join(context.GetParamOr(ctx, models.ParamClassNames, []string(nil)), ", "))
	table.Row("input shape", fmt.Sprintf("%v", context.GetParamOr(ctx, models.ParamInputShape, []int(nil))))
	if globalStepVar := ctx.GetVariable(optimizers.GlobalStepVariableName); globalStepVar != nil {
		if value, err := globalStepVar.Value(); err == nil {
			table.Row("global_step", humanize.Comma(tensors.ToScalar[int64](value)))
		}
	}
	var numVars, totalSize int
	var totalMemory uintptr
	ctx.In("model").EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	return table.Render()
}

func paramsTable(ctx *context.Context) string {
	type param struct{ scope, key, value string }
	var params []param
	ctx.EnumerateParams(func(scope, key string, value any) {
		params = append(params, param{scope, key, fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(params, func(a, b param) int {
		if c := strings.Compare(a.scope, b.scope); c != 0 {
			return c
		}
		return strings.Compare(a.key, b.key)
	})
	table := newPlainTable("Scope", "Name", "Value")
	for _, p := range params {
		table.Row(p.scope, p.key, p.value)
	}
	return table.Render()
}

// metricsTable shows the last value of each metric, and its best value with the step it was reached.
func metricsTable(points []plots.Point) string {
	type summary struct {
		name, metricType   string
		last, best         float64
		lastStep, bestStep float64
	}
	byName := make(map[string]*summary)
	var names []string
	for _, p := range points {
		s, found := byName[p.MetricName]
		if !found {
			s = &summary{name: p.MetricName, metricType: p.MetricType, best: math.NaN()}
			byName[p.MetricName] = s
			names = append(names, p.MetricName)
		}
		if p.Step >= s.lastStep {
			s.last, s.lastStep = p.Value, p.Step
		}
		better := p.Value < s.best
		if p.MetricType != "loss" {
			better = p.Value > s.best
		}
		if math.IsNaN(s.best) || better {
			s.best, s.bestStep = p.Value, p.Step
		}
	}
	slices.Sort(names)
	table := newPlainTable("Metric", "Type", "Last", "Best", "Best step")
	for _, name := range names {
		s := byName[name]
		table.Row(s.name, s.metricType, fmt.Sprintf("%.4f", s.last), fmt.Sprintf("%.4f", s.best),
			humanize.Comma(int64(s.bestStep)))
	}
	return table.Render()
}
