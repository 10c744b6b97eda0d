package main

import (
	"time"

	"github.com/CityOfPhiladelphia/taskflow/internal/executor"
	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/registry"
)

// registerDefinitions builds the Registry's in-process catalog. Workflow
// and task definitions are Go values registered at process start, alongside
// the executor for each locally-run task. Operators extend this by adding
// entries here or, for a larger deployment, splitting it into a definitions
// package loaded by a build tag per environment.
func registerDefinitions(reg *registry.Registry, execs *executor.Registry) error {
	dailyReport := &model.Workflow{
		Name:            "daily_report",
		Active:          true,
		Title:           "Daily Report",
		Description:     "Extracts, transforms, and publishes the daily operational report.",
		Schedule:        "0 6 * * *",
		DefaultPriority: model.PriorityNormal,
		Tasks: []*model.Task{
			{
				Name:            "extract_orders",
				Active:          true,
				DefaultPriority: model.PriorityNormal,
				Retries:         2,
				Timeout:         10 * time.Minute,
				RetryDelay:      time.Minute,
			},
			{
				Name:            "extract_inventory",
				Active:          true,
				DefaultPriority: model.PriorityNormal,
				Retries:         2,
				Timeout:         10 * time.Minute,
				RetryDelay:      time.Minute,
			},
			{
				Name:            "build_report",
				Active:          true,
				DefaultPriority: model.PriorityNormal,
				Retries:         1,
				Timeout:         15 * time.Minute,
				RetryDelay:      2 * time.Minute,
				DependsOn:       []string{"extract_orders", "extract_inventory"},
			},
			{
				Name:            "publish_report",
				Active:          true,
				DefaultPriority: model.PriorityHigh,
				Retries:         3,
				Timeout:         5 * time.Minute,
				RetryDelay:      30 * time.Second,
				DependsOn:       []string{"build_report"},
			},
		},
	}
	if err := reg.AddWorkflow(dailyReport); err != nil {
		return err
	}

	cleanupTmp := &model.Task{
		Name:            "cleanup_tmp_uploads",
		Active:          true,
		Schedule:        "0 * * * *",
		DefaultPriority: model.PriorityLow,
		Retries:         1,
		Timeout:         2 * time.Minute,
		RetryDelay:      time.Minute,
	}
	if err := reg.AddTask(cleanupTmp); err != nil {
		return err
	}

	httpExec := executor.NewHTTPExecutor()
	for _, name := range []string{"extract_orders", "extract_inventory", "build_report", "publish_report", "cleanup_tmp_uploads"} {
		execs.Register(name, httpExec)
	}
	return nil
}
