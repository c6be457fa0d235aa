package state

import (
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// CollectUsage copies the measured storage usage into the resources_used
// fields of the portal records, in GB for users and TB for groups and
// projects. All usage values are reset first so that folders that no
// longer exist read as zero.
func CollectUsage(system *records.SystemState, hpc *records.HpcAccessState, logger *zap.Logger) {
	usersByName := map[string]*records.HpcUser{}
	for _, user := range hpc.HpcUsers {
		user.ResourcesUsed = &records.ResourceDataUser{}
		usersByName[user.Username] = user
	}
	groupsByName := map[string]*records.HpcGroup{}
	for _, group := range hpc.HpcGroups {
		group.ResourcesUsed = &records.ResourceData{}
		groupsByName[group.Name] = group
	}
	projectsByName := map[string]*records.HpcProject{}
	for _, project := range hpc.HpcProjects {
		project.ResourcesUsed = &records.ResourceData{}
		projectsByName[project.Name] = project
	}

	for _, path := range sortedKeys(system.FsDirectories) {
		directory := system.FsDirectories[path]
		info, err := ValidatePath(directory)
		if err != nil {
			logger.Warn("skipping directory", zap.Error(err))
			continue
		}
		var rbytes float64
		if directory.RBytes != nil {
			rbytes = float64(*directory.RBytes)
		} else {
			logger.Warn("directory has no usage counter", zap.String("path", path))
		}

		var setErr error
		switch info.Entity {
		case records.EntityUsers:
			user, ok := usersByName[info.Name]
			if !ok {
				logUsageMiss(logger, info)
				continue
			}
			setErr = user.ResourcesUsed.Set(info.Resource, rbytes/float64(1<<30))
		case records.EntityGroups:
			group, ok := groupsByName[info.Name]
			if !ok {
				logUsageMiss(logger, info)
				continue
			}
			setErr = group.ResourcesUsed.Set(info.Resource, rbytes/float64(1<<40))
		case records.EntityProjects:
			project, ok := projectsByName[info.Name]
			if !ok {
				logUsageMiss(logger, info)
				continue
			}
			setErr = project.ResourcesUsed.Set(info.Resource, rbytes/float64(1<<40))
		}
		if setErr != nil {
			logger.Warn("skipping resource", zap.String("path", path), zap.Error(setErr))
		}
	}
}

func logUsageMiss(logger *zap.Logger, info *PathInfo) {
	logger.Warn("folder not present in hpc-access",
		zap.String("entity", info.Entity), zap.String("name", info.Name))
}
