package domain

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:            {TaskStatusInProgress},
	TaskStatusInProgress:      {TaskStatusDone, TaskStatusFailed, TaskStatusPendingApproval},
	TaskStatusDone:            {},
	TaskStatusFailed:          {TaskStatusTodo},
	TaskStatusPendingApproval: {TaskStatusDone, TaskStatusTodo},
}

var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusPending:    {ProjectStatusInProgress, ProjectStatusCompleted, ProjectStatusFailed},
	ProjectStatusInProgress: {ProjectStatusCompleted, ProjectStatusFailed},
	ProjectStatusCompleted:  {},
	ProjectStatusFailed:     {ProjectStatusPending},
}

func (s TaskStatus) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

func (s ProjectStatus) Valid() bool {
	_, ok := projectTransitions[s]
	return ok
}

// CanTransitionTask reports whether a task may move from one status to another.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionProject reports whether a project may move from one status to
// another. Only FAILED may move backwards, and only to PENDING.
func CanTransitionProject(from, to ProjectStatus) bool {
	for _, s := range projectTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DependenciesSatisfied reports whether every dependency of t is DONE in
// tasks. A dependency with no matching task is unsatisfied.
func DependenciesSatisfied(t Task, tasks []Task) bool {
	for _, depID := range t.Dependencies {
		satisfied := false
		for i := range tasks {
			if tasks[i].ID == depID {
				satisfied = tasks[i].Status == TaskStatusDone
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}

// NextExecutable returns the first TODO task, in input order, whose
// dependencies are all DONE.
func NextExecutable(tasks []Task) (Task, bool) {
	for _, t := range tasks {
		if t.Status != TaskStatusTodo {
			continue
		}
		if DependenciesSatisfied(t, tasks) {
			return t, true
		}
	}
	return Task{}, false
}

// AllDone reports whether a non-empty task set has every task DONE.
func AllDone(tasks []Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != TaskStatusDone {
			return false
		}
	}
	return true
}

// PendingApproval returns the tasks currently waiting on human sign-off.
func PendingApproval(tasks []Task) []Task {
	var out []Task
	for _, t := range tasks {
		if t.Status == TaskStatusPendingApproval {
			out = append(out, t)
		}
	}
	return out
}

// FindTask returns the task with the given id.
func FindTask(tasks []Task, id string) (Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// FindTaskByAgent returns the task assigned to the given agent.
func FindTaskByAgent(tasks []Task, k AgentKind) (Task, bool) {
	for _, t := range tasks {
		if t.AssignedAgent == k {
			return t, true
		}
	}
	return Task{}, false
}
