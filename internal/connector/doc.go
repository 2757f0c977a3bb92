// Package connector turns connector configurations into task configurations.
//
// A connector config is a flat string map that must carry "name" and
// "connector.class" and may carry "tasks.max" (default 1). The class selects
// a Plugin from a Registry; the plugin validates its own keys and splits the
// config into at most tasks.max task configs, each tagged with "task.class".
//
//	{name: local-file-source,                    {task.class: ...FileStreamSourceTask,
//	 connector.class: FileStreamSource,   --->    file: input.txt,
//	 file: input.txt, topic: connect-test}         topic: connect-test}
//
// Generation is pure. Every coordinator replica and the REST gateway call
// Generate independently and must agree on the result, so plugins may not
// read clocks, random sources or external state while splitting.
//
// Tasks run on workers through the Task interface and reach topics and
// committed offsets only through Env.
package connector
