package executor

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"hivenet/pkg/model"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-logr/logr"
)

// Job is one worker's share of a command.
type Job struct {
	CommandID string
	Op        model.Operation
	TargetID  string
	Units     int
	Memory    model.Memory // capacity the job may occupy
}

// Executor runs a job to completion and returns its output.
type Executor interface {
	Run(ctx context.Context, job Job) (string, error)
}

// DockerExecutor runs each job in a throwaway container, one image per
// operation. The container gets the job's units and target as env and is
// capped at the job's memory.
type DockerExecutor struct {
	cli    *client.Client
	images map[model.Operation]string
	log    logr.Logger
}

// NewDockerExecutor 初始化 Docker 客户端
func NewDockerExecutor(images map[string]string, log logr.Logger) (*DockerExecutor, error) {
	// 自动从环境变量或默认路径连接本地 Docker
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, err
	}
	byOp := make(map[model.Operation]string, len(images))
	for op, image := range images {
		byOp[model.Operation(op)] = image
	}
	return &DockerExecutor{cli: cli, images: byOp, log: log.WithName("docker")}, nil
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Image returns the image configured for op.
func (e *DockerExecutor) Image(op model.Operation) (string, bool) {
	image, ok := e.images[op]
	return image, ok && image != ""
}

// Run 真正执行任务的方法
func (e *DockerExecutor) Run(ctx context.Context, job Job) (string, error) {
	image, ok := e.Image(job.Op)
	if !ok {
		return "", fmt.Errorf("no image for operation %q", job.Op)
	}
	log := e.log.WithValues("command", job.CommandID, "operation", job.Op, "target", job.TargetID)

	// 1. 创建容器 (Create Container)
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   []string{string(job.Op), job.TargetID},
		Env: []string{
			"HIVENET_OPERATION=" + string(job.Op),
			"HIVENET_TARGET=" + job.TargetID,
			"HIVENET_UNITS=" + strconv.Itoa(job.Units),
			"HIVENET_COMMAND=" + job.CommandID,
		},
		Tty: false,
	}, &container.HostConfig{
		Resources: container.Resources{Memory: int64(job.Memory) * 1024 * 1024},
	}, nil, nil, "")
	if err != nil {
		return "", err
	}
	containerID := resp.ID
	// 6. 清理容器 (Remove)
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := e.cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Error(err, "remove container", "container", containerID[:12])
		}
	}()
	log.V(1).Info("container created", "container", containerID[:12], "image", image, "units", job.Units)

	// 2. 启动容器 (Start Container)
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", err
	}

	// 3. 等待容器结束 (Wait)
	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", err
		}
	case st := <-statusCh:
		exitCode = st.StatusCode
	}

	// 4. 获取日志 (Logs)
	outReader, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer outReader.Close()

	// stdcopy 会把 docker 的多路复用流拆分，写入 buf
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, outReader); err != nil {
		return "", err
	}

	if exitCode != 0 {
		return buf.String(), fmt.Errorf("container exited with code %d", exitCode)
	}
	log.V(1).Info("job finished", "container", containerID[:12])
	return buf.String(), nil
}
